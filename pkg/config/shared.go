package config

type Monitoring struct {
	Port             int    `default:"6601"`
	URLPrefix        string `default:"/room"`
	MetricEnabled    bool   `json:"metric_enabled"`
	ProfilingEnabled bool   `json:"profiling_enabled"`
	// StatusEnabled exposes the current session as JSON.
	StatusEnabled bool `json:"status_enabled"`
}

func (c *Monitoring) IsEnabled() bool {
	return c.MetricEnabled || c.ProfilingEnabled || c.StatusEnabled
}
