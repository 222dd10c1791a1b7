package registration

func DefaultConfig() Config {
	return Config{
		CacheSize: 4096,
	}
}

type Config struct {
	CacheSize int `long:"cache-size" description:"The number of registration results kept in memory for replay"`
}
