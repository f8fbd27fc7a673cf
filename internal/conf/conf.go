package conf

// Bootstrap 服务启动配置（configs/config.yaml 通过 kratos config 扫描到此结构体）
type Bootstrap struct {
	Server *Server `json:"server"`
	Data   *Data   `json:"data"`
	Credit *Credit `json:"credit"`
}

// Server 服务端配置
type Server struct {
	Http *HTTP `json:"http"`
}

// HTTP HTTP 服务配置
type HTTP struct {
	Network string `json:"network"`
	Addr    string `json:"addr"`
	// Timeout 请求超时（秒）
	Timeout int64 `json:"timeout"`
}

// Data 数据层配置
type Data struct {
	Database *Database `json:"database"`
	Redis    *Redis    `json:"redis"`
	Rocketmq *Rocketmq `json:"rocketmq"`
}

// Database 数据库配置
type Database struct {
	Driver string `json:"driver"`
	Source string `json:"source"`
}

// Redis Redis 配置
type Redis struct {
	Addr string `json:"addr"`
	// ReadTimeout 读超时（秒）
	ReadTimeout int64 `json:"read_timeout"`
	// WriteTimeout 写超时（秒）
	WriteTimeout int64 `json:"write_timeout"`
}

// Rocketmq 消息队列配置（计费处理器支付事件）
type Rocketmq struct {
	Enabled     bool     `json:"enabled"`
	NameServers []string `json:"name_servers"`
	GroupName   string   `json:"group_name"`
	Topic       string   `json:"topic"`
	RetryTimes  int32    `json:"retry_times"`
}

// Credit 积分业务配置
type Credit struct {
	// Tiers 订阅档位目录（key 为档位 ID）
	Tiers map[string]*Tier `json:"tiers"`
	// AddOns 加购包目录（key 为加购包 ID）
	AddOns map[string]*AddOn `json:"add_ons"`
	// Packages 一次性积分包目录（key 为包 ID）
	Packages map[string]*Package `json:"packages"`
	// StarterPackageID 新手包 ID（升级优惠资格判定）
	StarterPackageID string `json:"starter_package_id"`
	// OverdraftLimit 默认透支额度（0 表示不允许透支）
	OverdraftLimit float64 `json:"overdraft_limit"`
	// MaxClientsPerSweep 批处理单次扫描客户数上限
	MaxClientsPerSweep int `json:"max_clients_per_sweep"`
}

// Tier 订阅档位
type Tier struct {
	Name string `json:"name"`
	// MonthlyPrice 月费（分为单位的货币语义由计费处理器约定，这里只存数值）
	MonthlyPrice float64 `json:"monthly_price"`
	// Credits 每月发放积分（key 为积分类型）
	Credits map[string]float64 `json:"credits"`
	// Rank 档位序号（升降级判定）
	Rank int `json:"rank"`
	// PromoEligible 升级到该档位是否适用新手包优惠
	PromoEligible bool `json:"promo_eligible"`
}

// AddOn 加购包
type AddOn struct {
	Name         string             `json:"name"`
	MonthlyPrice float64            `json:"monthly_price"`
	Credits      map[string]float64 `json:"credits"`
}

// Package 一次性积分包（支付成功后一次性入账）
type Package struct {
	Name    string             `json:"name"`
	Price   float64            `json:"price"`
	Credits map[string]float64 `json:"credits"`
}
