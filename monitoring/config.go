package monitoring

// Config is the set of configuration data that specifies the listening
// address of the Prometheus exporter.
type Config struct {
	// Listen is the listening address that we should use to allow the
	// main Prometheus server to scrape our metrics.
	Listen string `long:"listen" description:"the interface we should listen on for Prometheus"`
}

// Enabled reports whether an exporter address was configured.
func (c *Config) Enabled() bool {
	return c.Listen != ""
}
