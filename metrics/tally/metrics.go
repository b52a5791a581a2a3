// Package tally adapts a tally.Counter to the obx.Counter contract.
package tally

import (
	"github.com/svilares/outboxr/obx"
	tally "github.com/uber-go/tally/v4"
)

type Counter struct {
	Counter tally.Counter
}

var _ obx.Counter = (*Counter)(nil)

func (c *Counter) Inc(delta int64) {
	c.Counter.Inc(delta)
}
