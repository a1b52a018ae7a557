package config

import (
	"fmt"
	"time"
)

// Cli holds every runtime knob. Values come from flags or from the matching
// environment variables (flag broker-url reads BROKER_URL, and so on).
type Cli struct {
	HTTPAddress string
	APIToken    string

	BrokerURL         string
	CitiesConfig      string
	PriorityQueueName string
	DefaultQueueName  string

	SeenTTLHours     int
	MaxContentLength int64
	WebhookURL       string

	DiscoveryTimeMorning string
	DiscoveryTimeEvening string

	VODAPIURL   string
	VODAPIToken string

	TranscriberCommand string
	Workers            int
	DownloadTimeout    time.Duration
	PprofPort          int
}

// Validate checks the required settings and value sanity. A non-nil return
// means the process should exit with the configuration error code.
func (cli Cli) Validate() error {
	if cli.BrokerURL == "" {
		return fmt.Errorf("broker-url is required")
	}
	if cli.CitiesConfig == "" {
		return fmt.Errorf("cities-config is required")
	}
	if cli.Workers < 1 {
		return fmt.Errorf("workers must be at least 1, got %d", cli.Workers)
	}
	if cli.SeenTTLHours < 1 {
		return fmt.Errorf("autoprioritize-seen-ttl-hours must be at least 1, got %d", cli.SeenTTLHours)
	}
	if cli.MaxContentLength < 1 {
		return fmt.Errorf("max-content-length must be positive, got %d", cli.MaxContentLength)
	}
	return nil
}

// SeenTTL is the dedup ledger lifetime.
func (cli Cli) SeenTTL() time.Duration {
	return time.Duration(cli.SeenTTLHours) * time.Hour
}
