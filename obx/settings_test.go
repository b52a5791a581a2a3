package obx

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func Test_validateSettings(t *testing.T) {
	type args struct {
		s *Settings
	}
	testcases := []struct {
		name string
		args args
		want *Settings
	}{
		{
			name: "if the relay is disabled defaults are not applied",
			args: args{
				s: &Settings{
					EnableRelay:          false,
					MaxRelays:            -10,
					PollingInterval:      -1 * time.Second,
					MaxEventsPerInterval: -7,
					MaxEventsPerBatch:    -2,
					MaxDeliveryAttempts:  -3,
				},
			},
			want: &Settings{
				EnableRelay:          false,
				MaxRelays:            -10,
				PollingInterval:      -1 * time.Second,
				MaxEventsPerInterval: -7,
				MaxEventsPerBatch:    -2,
				MaxDeliveryAttempts:  -3,
			},
		},
		{
			name: "if the relay is enabled defaults are applied",
			args: args{
				s: &Settings{
					EnableRelay:          true,
					MaxRelays:            -10,
					PollingInterval:      -1 * time.Second,
					MaxEventsPerInterval: -7,
					MaxEventsPerBatch:    -2,
					MaxDeliveryAttempts:  -3,
				},
			},
			want: &Settings{
				EnableRelay:          true,
				MaxRelays:            defaultMaxRelays,
				PollingInterval:      defaultPollingInterval,
				MaxEventsPerInterval: defaultMaxEventsPerInterval,
				MaxEventsPerBatch:    defaultMaxEventsPerBatch,
				MaxDeliveryAttempts:  0,
			},
		},
		{
			name: "if the relay is enabled defaults are applied II",
			args: args{
				s: &Settings{
					EnableRelay: true,
				},
			},
			want: &Settings{
				EnableRelay:          true,
				MaxRelays:            defaultMaxRelays,
				PollingInterval:      defaultPollingInterval,
				MaxEventsPerInterval: defaultMaxEventsPerInterval,
				MaxEventsPerBatch:    defaultMaxEventsPerBatch,
				MaxDeliveryAttempts:  0,
			},
		},
		{
			name: "an explicit delivery attempts ceiling is preserved",
			args: args{
				s: &Settings{
					EnableRelay:         true,
					MaxDeliveryAttempts: 5,
				},
			},
			want: &Settings{
				EnableRelay:          true,
				MaxRelays:            defaultMaxRelays,
				PollingInterval:      defaultPollingInterval,
				MaxEventsPerInterval: defaultMaxEventsPerInterval,
				MaxEventsPerBatch:    defaultMaxEventsPerBatch,
				MaxDeliveryAttempts:  5,
			},
		},
	}
	for _, tc := range testcases {
		t.Run(tc.name, func(t *testing.T) {
			validateSettings(tc.args.s)
			assert.Equal(t, tc.want, tc.args.s)
		})
	}
}
