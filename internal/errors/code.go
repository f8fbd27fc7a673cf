package errors

import (
	"github.com/go-kratos/kratos/v2/errors"
)

// Credit Service 错误定义
//
// 错误通过 kratos errors 的 reason 区分，调用方按 reason 匹配。
// 同步返回给调用方的只有本文件中的业务错误；系统性问题（余额漂移、
// 结转过期、体检失败）只通过报表接口和日志暴露，永远不会抛进请求路径。

// 错误 reason 常量
const (
	// ReasonInsufficientCredit 积分不足（拒绝扣减）
	ReasonInsufficientCredit = "INSUFFICIENT_CREDIT"
	// ReasonInvalidCreditType 非法积分类型
	ReasonInvalidCreditType = "INVALID_CREDIT_TYPE"
	// ReasonClientNotFound 客户不存在
	ReasonClientNotFound = "CLIENT_NOT_FOUND"
	// ReasonEntryNotFound 账本流水不存在
	ReasonEntryNotFound = "ENTRY_NOT_FOUND"
	// ReasonAllocationExists 月度额度已存在
	ReasonAllocationExists = "ALLOCATION_EXISTS"
	// ReasonAllocationNotFound 月度额度不存在
	ReasonAllocationNotFound = "ALLOCATION_NOT_FOUND"
	// ReasonUnknownTier 未知订阅档位
	ReasonUnknownTier = "UNKNOWN_TIER"
	// ReasonUnknownAddOn 未知加购包
	ReasonUnknownAddOn = "UNKNOWN_ADD_ON"
	// ReasonChangeNotFound 订阅变更记录不存在
	ReasonChangeNotFound = "CHANGE_NOT_FOUND"
	// ReasonChangeNotCancellable 订阅变更当前状态不可取消
	ReasonChangeNotCancellable = "CHANGE_NOT_CANCELLABLE"
	// ReasonSubscriptionChangeFailed 订阅变更失败（零部分状态落库）
	ReasonSubscriptionChangeFailed = "SUBSCRIPTION_CHANGE_FAILED"
	// ReasonPromotionNotEligible 不满足新手包升级优惠条件
	ReasonPromotionNotEligible = "PROMOTION_NOT_ELIGIBLE"
	// ReasonPromotionAlreadyUsed 新手包升级优惠已使用
	ReasonPromotionAlreadyUsed = "PROMOTION_ALREADY_USED"
	// ReasonPurchaseNotFound 购买订单不存在
	ReasonPurchaseNotFound = "PURCHASE_NOT_FOUND"
)

// ErrInsufficientCredit 积分不足
func ErrInsufficientCredit(clientID, creditType string) error {
	return errors.New(422, ReasonInsufficientCredit, "insufficient credit").
		WithMetadata(map[string]string{"client_id": clientID, "credit_type": creditType})
}

// IsInsufficientCredit 判断是否积分不足错误
func IsInsufficientCredit(err error) bool {
	return errors.Reason(err) == ReasonInsufficientCredit
}

// ErrInvalidCreditType 非法积分类型
func ErrInvalidCreditType(creditType string) error {
	return errors.New(400, ReasonInvalidCreditType, "invalid credit type: "+creditType)
}

// ErrClientNotFound 客户不存在
func ErrClientNotFound(clientID string) error {
	return errors.New(404, ReasonClientNotFound, "client not found: "+clientID)
}

// ErrEntryNotFound 账本流水不存在
func ErrEntryNotFound(entryID string) error {
	return errors.New(404, ReasonEntryNotFound, "ledger entry not found: "+entryID)
}

// ErrAllocationExists 月度额度已存在
func ErrAllocationExists(clientID, month string) error {
	return errors.New(409, ReasonAllocationExists, "monthly allocation already exists").
		WithMetadata(map[string]string{"client_id": clientID, "month": month})
}

// IsAllocationExists 判断是否额度已存在错误
func IsAllocationExists(err error) bool {
	return errors.Reason(err) == ReasonAllocationExists
}

// ErrAllocationNotFound 月度额度不存在
func ErrAllocationNotFound(clientID, month string) error {
	return errors.New(404, ReasonAllocationNotFound, "monthly allocation not found").
		WithMetadata(map[string]string{"client_id": clientID, "month": month})
}

// ErrUnknownTier 未知订阅档位
func ErrUnknownTier(tierID string) error {
	return errors.New(400, ReasonUnknownTier, "unknown subscription tier: "+tierID)
}

// ErrUnknownAddOn 未知加购包
func ErrUnknownAddOn(addOnID string) error {
	return errors.New(400, ReasonUnknownAddOn, "unknown credit add-on: "+addOnID)
}

// ErrChangeNotFound 订阅变更记录不存在
func ErrChangeNotFound(changeID string) error {
	return errors.New(404, ReasonChangeNotFound, "subscription change not found: "+changeID)
}

// ErrChangeNotCancellable 订阅变更当前状态不可取消
func ErrChangeNotCancellable(changeID, status string) error {
	return errors.New(409, ReasonChangeNotCancellable, "subscription change not cancellable").
		WithMetadata(map[string]string{"change_id": changeID, "status": status})
}

// ErrSubscriptionChangeFailed 订阅变更失败
func ErrSubscriptionChangeFailed(reason string) error {
	return errors.New(422, ReasonSubscriptionChangeFailed, "subscription change failed: "+reason)
}

// IsSubscriptionChangeFailed 判断是否订阅变更失败错误
func IsSubscriptionChangeFailed(err error) bool {
	return errors.Reason(err) == ReasonSubscriptionChangeFailed
}

// ErrPromotionNotEligible 不满足优惠条件
func ErrPromotionNotEligible(reason string) error {
	return errors.New(422, ReasonPromotionNotEligible, "promotion not eligible: "+reason)
}

// IsPromotionNotEligible 判断是否不满足优惠条件错误
func IsPromotionNotEligible(err error) bool {
	return errors.Reason(err) == ReasonPromotionNotEligible
}

// ErrPromotionAlreadyUsed 优惠已使用
func ErrPromotionAlreadyUsed(clientID string) error {
	return errors.New(409, ReasonPromotionAlreadyUsed, "starter upgrade promotion already used").
		WithMetadata(map[string]string{"client_id": clientID})
}

// IsPromotionAlreadyUsed 判断是否优惠已使用错误
func IsPromotionAlreadyUsed(err error) bool {
	return errors.Reason(err) == ReasonPromotionAlreadyUsed
}

// ErrPurchaseNotFound 购买订单不存在
func ErrPurchaseNotFound(orderID string) error {
	return errors.New(404, ReasonPurchaseNotFound, "credit purchase not found: "+orderID)
}
