package biz

import (
	"credit-service/internal/conf"
)

// TierConfig 订阅档位配置
type TierConfig struct {
	ID            string
	Name          string
	MonthlyPrice  float64
	Credits       map[string]float64
	Rank          int
	PromoEligible bool
}

// AddOnConfig 加购包配置
type AddOnConfig struct {
	ID           string
	Name         string
	MonthlyPrice float64
	Credits      map[string]float64
}

// PackageConfig 一次性积分包配置
type PackageConfig struct {
	ID      string
	Name    string
	Price   float64
	Credits map[string]float64
}

// CreditConfig 积分业务配置
type CreditConfig struct {
	Tiers              map[string]*TierConfig
	AddOns             map[string]*AddOnConfig
	Packages           map[string]*PackageConfig
	StarterPackageID   string
	OverdraftLimit     float64
	MaxClientsPerSweep int
}

// NewCreditConfig 从启动配置创建 CreditConfig
func NewCreditConfig(c *conf.Bootstrap) *CreditConfig {
	config := &CreditConfig{
		Tiers:              make(map[string]*TierConfig),
		AddOns:             make(map[string]*AddOnConfig),
		Packages:           make(map[string]*PackageConfig),
		OverdraftLimit:     0,    // 默认不允许透支
		MaxClientsPerSweep: 500, // 默认批处理上限
	}
	if c.Credit == nil {
		return config
	}
	for id, t := range c.Credit.Tiers {
		config.Tiers[id] = &TierConfig{
			ID:            id,
			Name:          t.Name,
			MonthlyPrice:  t.MonthlyPrice,
			Credits:       copyCredits(t.Credits),
			Rank:          t.Rank,
			PromoEligible: t.PromoEligible,
		}
	}
	for id, a := range c.Credit.AddOns {
		config.AddOns[id] = &AddOnConfig{
			ID:           id,
			Name:         a.Name,
			MonthlyPrice: a.MonthlyPrice,
			Credits:      copyCredits(a.Credits),
		}
	}
	for id, p := range c.Credit.Packages {
		config.Packages[id] = &PackageConfig{
			ID:      id,
			Name:    p.Name,
			Price:   p.Price,
			Credits: copyCredits(p.Credits),
		}
	}
	config.StarterPackageID = c.Credit.StarterPackageID
	if c.Credit.OverdraftLimit > 0 {
		config.OverdraftLimit = c.Credit.OverdraftLimit
	}
	if c.Credit.MaxClientsPerSweep > 0 {
		config.MaxClientsPerSweep = c.Credit.MaxClientsPerSweep
	}
	return config
}

func copyCredits(src map[string]float64) map[string]float64 {
	dst := make(map[string]float64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
