package p2pmem

import "github.com/ehrlich-b/go-p2pmem/internal/interfaces"

// Device is the public alias for a transfer endpoint.
type Device = interfaces.Device

// Observer is the public alias for engine event observers.
type Observer = interfaces.Observer
