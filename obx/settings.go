package obx

import (
	"time"
)

const (
	defaultMaxRelays            int           = 2
	defaultPollingInterval      time.Duration = time.Second * 3
	defaultMaxEventsPerInterval int           = -1
	defaultMaxEventsPerBatch    int           = 100
)

// TxKey is the context key type under which clients store their active
// business transaction when calling Publish.
type TxKey any

// Settings holds the general module configuration.
type Settings struct {
	EnableRelay          bool          // enables the relay using the polling publisher pattern
	MaxRelays            int           // in HA environments, maximum allowed number of relays working concurrently
	PollingInterval      time.Duration // interval between database pollings by the relays
	MaxEventsPerInterval int           // maximum number of events to be processed by a relay in each iteration (-1 = unlimited)
	MaxEventsPerBatch    int           // maximum number of events per batch
	MaxDeliveryAttempts  int           // failed deliveries before a record is dead lettered (0 = retry forever)
}

// validateSettings validates the established settings and sets defaults if
// needed.
func validateSettings(s *Settings) {
	if s.EnableRelay {
		if s.MaxRelays <= 0 {
			s.MaxRelays = defaultMaxRelays
		}
		if s.PollingInterval <= 0 {
			s.PollingInterval = defaultPollingInterval
		}
		if s.MaxEventsPerInterval == 0 || s.MaxEventsPerInterval < -1 {
			s.MaxEventsPerInterval = defaultMaxEventsPerInterval
		}
		if s.MaxEventsPerBatch <= 0 {
			s.MaxEventsPerBatch = defaultMaxEventsPerBatch
		}
		if s.MaxDeliveryAttempts < 0 {
			s.MaxDeliveryAttempts = 0
		}
	}
}
