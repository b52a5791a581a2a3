package obx

// DeliveryReport contains information about an outbox record delivery report.
type DeliveryReport struct {
	Record  *Record // record related to the delivery
	Error   error   // error during the delivery if any
	Details string  // more information about the delivery
}

// Emitter defines the contract for emitters of outbox records.
type Emitter interface {
	// Emit sends the information contained in the outbox record to a message
	// broker in a reliable way. Exactly one delivery report per accepted
	// record must eventually arrive on the provided channel. If Emit returns
	// a non-nil error the record was not accepted and no report will be
	// delivered for it.
	Emit(*Record, chan *DeliveryReport) error
}
