package proto

import "strings"

// TargetAll addresses every other device in the sender's mesh.
const TargetAll = "all"

// Target is where a relay event should go. It is one of AllDevices,
// ExactDevice, ExactOrType or DevicesOfType.
type Target interface {
	isTarget()
	String() string
}

// AllDevices addresses every mesh member except the sender.
type AllDevices struct{}

// ExactDevice addresses one device by id.
type ExactDevice struct{ ID string }

// ExactOrType addresses the device with ID if it is live, otherwise every
// other member of Type.
type ExactOrType struct {
	ID   string
	Type DeviceType
}

// DevicesOfType addresses every other member of one device class.
type DevicesOfType struct{ Type DeviceType }

func (AllDevices) isTarget()    {}
func (ExactDevice) isTarget()   {}
func (ExactOrType) isTarget()   {}
func (DevicesOfType) isTarget() {}

func (AllDevices) String() string      { return TargetAll }
func (t ExactDevice) String() string   { return t.ID }
func (t ExactOrType) String() string   { return t.ID }
func (t DevicesOfType) String() string { return string(t.Type) }

// typeAliases are the pseudo target ids that fall back to type fan-out.
var typeAliases = map[string]DeviceType{
	string(DeviceDesktop): DeviceDesktop,
	string(DeviceMobile):  DeviceMobile,
}

// ParseTarget turns a raw targetDeviceId into a Target. When aliases is
// true, a recognised device-type alias yields ExactOrType so a device that
// literally carries that id still wins. An empty id yields nil.
func ParseTarget(raw string, aliases bool) Target {
	raw = strings.TrimSpace(raw)
	switch {
	case raw == "":
		return nil
	case raw == TargetAll:
		return AllDevices{}
	}
	if aliases {
		if t, ok := typeAliases[raw]; ok {
			return ExactOrType{ID: raw, Type: t}
		}
	}
	return ExactDevice{ID: raw}
}
