package contracts

// DeviceInfo holds the identity bytes a UMP endpoint reports about its device.
type DeviceInfo struct {
	Manufacturer [3]byte // System exclusive manufacturer ID.
	Family       [2]byte // Device family, LSB first.
	Model        [2]byte // Model number within the family, LSB first.
	Revision     [4]byte // Software revision level.
}

// StaticDeviceInfo contains metadata that is available without opening an endpoint.
type StaticDeviceInfo struct {
	Name         string     // Device name.
	Manufacturer string     // Device manufacturer.
	Product      string     // Product name, often the entity name on CoreMIDI.
	Transport    Transport  // Native wire format of the endpoint.
	Direction    Direction  // Directions the endpoint supports.
	Device       DeviceInfo // Identity bytes, zero when unknown.
}
