package models

// Customer is the paying party of a transaction
type Customer struct {
	Ref                  string `json:"ref"`
	Email                string `json:"email"`
	Name                 string `json:"name"`
	DefaultInstrumentRef string `json:"-"`
	PaymentMethodType    string `json:"payment_method_type"`
	Tier                 string `json:"tier"`
}

// HasInstrument reports whether a reusable charge instrument is on file.
func (c *Customer) HasInstrument() bool {
	return c != nil && c.DefaultInstrumentRef != ""
}
