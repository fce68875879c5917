package config

import (
	"os"

	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr string `yaml:"addr"`
}

type Universe struct {
	Path     string `yaml:"path"`
	URL      string `yaml:"url"`
	TTLHours int    `yaml:"ttl_hours"`
	Limit    int    `yaml:"limit"`
}

type Trading struct {
	Market        string  `yaml:"market"` // J | NX | UN
	TopN          int     `yaml:"top_n"`
	Alloc         string  `yaml:"alloc"`
	RatePerSecond float64 `yaml:"rate_per_second"` // client-side request pacing
}

type Root struct {
	Mode     string   `yaml:"mode"` // paper | prod
	Server   Server   `yaml:"server"`
	Universe Universe `yaml:"universe"`
	Trading  Trading  `yaml:"trading"`
}

// Load reads the YAML config at path. A missing file yields defaults,
// since all secrets come from the environment anyway.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDefaults(&c)
			return c, nil
		}
		return c, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return c, err
	}
	applyDefaults(&c)
	return c, nil
}

func applyDefaults(c *Root) {
	if c.Mode == "" {
		c.Mode = "paper"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":5173"
	}
	if c.Universe.Path == "" {
		c.Universe.Path = "data/krx_universe.csv"
	}
	if c.Universe.URL == "" {
		c.Universe.URL = "https://raw.githubusercontent.com/FinanceData/FinanceDataReader/master/FinanceDataReader/data/krx/krx_code.csv"
	}
	if c.Universe.TTLHours == 0 {
		c.Universe.TTLHours = 24
	}
	if c.Universe.Limit == 0 {
		c.Universe.Limit = 200
	}
	if c.Trading.Market == "" {
		c.Trading.Market = "J"
	}
	if c.Trading.TopN == 0 {
		c.Trading.TopN = 5
	}
	if c.Trading.Alloc == "" {
		c.Trading.Alloc = "equal"
	}
	if c.Trading.RatePerSecond == 0 {
		c.Trading.RatePerSecond = 5
	}
}
