package exchange

import (
	"context"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	ccxt "github.com/ccxt/ccxt/go/v4"
)

var (
	// ErrMaintenance 表示交易所处于维护状态，需要上层跳过交易。
	ErrMaintenance = errors.New("exchange on maintenance")
)

var sCodePattern = regexp.MustCompile(`"sCode"\s*:\s*"(\d+)"`)
var sMsgPattern = regexp.MustCompile(`"sMsg"\s*:\s*"([^"]*)"`)

// classifyError 归一化 ccxt 错误，并判断是否可以重试。
func classifyError(err error) (error, bool) {
	if err == nil {
		return nil, false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err, false
	}

	var ccxtErr *ccxt.Error
	if errors.As(err, &ccxtErr) {
		switch ccxtErr.Type {
		case ccxt.NetworkErrorErrType,
			ccxt.RequestTimeoutErrType,
			ccxt.ExchangeNotAvailableErrType,
			ccxt.RateLimitExceededErrType,
			ccxt.DDoSProtectionErrType,
			ccxt.BadResponseErrType,
			ccxt.NullResponseErrType:
			return err, true
		case ccxt.OnMaintenanceErrType:
			message := strings.TrimSpace(ccxtErr.Message)
			if message == "" {
				message = "exchange under maintenance"
			}
			return fmt.Errorf("%w: %s", ErrMaintenance, message), false
		default:
			return err, false
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return err, true
	}

	return err, false
}

// perItem 判断错误是否只针对单条请求。鉴权、权限与维护类错误会中断整批。
func perItem(err error) bool {
	var unsupportedErr *unsupportedError
	if errors.As(err, &unsupportedErr) {
		return true
	}
	if errors.Is(err, ErrMaintenance) {
		return false
	}

	var ccxtErr *ccxt.Error
	if !errors.As(err, &ccxtErr) {
		return false
	}
	switch ccxtErr.Type {
	case ccxt.AuthenticationErrorErrType, ccxt.PermissionDeniedErrType:
		return false
	default:
		return true
	}
}

// rejection 提取交易所返回的 sCode 与 sMsg，缺失时退回 ccxt 的错误类型。
func rejection(err error) (string, string) {
	var unsupportedErr *unsupportedError
	if errors.As(err, &unsupportedErr) {
		return CodeUnsupported, unsupportedErr.Error()
	}

	var ccxtErr *ccxt.Error
	if !errors.As(err, &ccxtErr) {
		return "-1", err.Error()
	}

	code := fmt.Sprint(ccxtErr.Type)
	if m := sCodePattern.FindStringSubmatch(ccxtErr.Message); m != nil {
		code = m[1]
	}
	message := strings.TrimSpace(ccxtErr.Message)
	if m := sMsgPattern.FindStringSubmatch(ccxtErr.Message); m != nil && m[1] != "" {
		message = m[1]
	}
	return code, message
}

func isNotFound(err error) bool {
	var ccxtErr *ccxt.Error
	return errors.As(err, &ccxtErr) && ccxtErr.Type == ccxt.OrderNotFoundErrType
}
