// Package repository holds constants shared by the obx.Repository
// implementations.
package repository

import "time"

const (
	LockMaxDuration     = time.Second * 15 // max duration of a table lease on 'outbox_lock'
	SubsExpirationAfter = time.Second * 30 // consider a subscription expired after 30 seconds of inactivity
)
