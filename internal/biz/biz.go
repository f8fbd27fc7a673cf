package biz

import "github.com/google/wire"

// ProviderSet is biz providers.
var ProviderSet = wire.NewSet(
	NewCreditConfig,
	NewLedgerUseCase,
	NewReconcileUseCase,
	NewAllocationUseCase,
	NewSubscriptionUseCase,
	NewCreditUseCase, // 组合 UseCase
)
