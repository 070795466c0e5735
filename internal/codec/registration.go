package codec

import (
	"fmt"

	"github.com/google/uuid"
)

// Registration record layout. A device answers the gateway's registration
// probe with one of these; the commands and notifications arrays declare the
// vocabulary later frames are decoded against.

// Parameter declares one field of a command or notification record.
type Parameter struct {
	Type DataType
	Name string
}

// Equipment describes one piece of equipment attached to the device.
type Equipment struct {
	Name     string
	Code     string
	TypeName string
}

// Vocab is one command or notification declaration: the intent its frames
// arrive under and the parameter fields of its payload record.
type Vocab struct {
	Intent     uint16
	Name       string
	Parameters []Parameter
}

// DeviceRegistration is the payload of a Register frame.
type DeviceRegistration struct {
	DeviceID           uuid.UUID
	DeviceKey          string
	DeviceName         string
	DeviceClassName    string
	DeviceClassVersion string
	Equipment          []Equipment
	Notifications      []Vocab
	Commands           []Vocab
}

var parameterSchema = Schema{
	{Name: "type", Type: Byte},
	{Name: "name", Type: String},
}

var equipmentSchema = Schema{
	{Name: "name", Type: String},
	{Name: "code", Type: String},
	{Name: "type", Type: String},
}

var vocabSchema = Schema{
	{Name: "intent", Type: Word},
	{Name: "name", Type: String},
	{Name: "parameters", Type: Array, Elem: &Field{Type: Record, Sub: parameterSchema}},
}

// RegistrationSchema describes the DeviceRegistration wire record.
var RegistrationSchema = Schema{
	{Name: "device_id", Type: Guid},
	{Name: "device_key", Type: String},
	{Name: "device_name", Type: String},
	{Name: "device_class_name", Type: String},
	{Name: "device_class_version", Type: String},
	{Name: "equipment", Type: Array, Elem: &Field{Type: Record, Sub: equipmentSchema}},
	{Name: "notifications", Type: Array, Elem: &Field{Type: Record, Sub: vocabSchema}},
	{Name: "commands", Type: Array, Elem: &Field{Type: Record, Sub: vocabSchema}},
}

// DecodeRegistration decodes a Register frame payload into typed form.
func DecodeRegistration(payload []byte) (*DeviceRegistration, error) {
	rec, _, err := Deserialize(payload, RegistrationSchema)
	if err != nil {
		return nil, err
	}
	reg := &DeviceRegistration{
		DeviceID:           rec["device_id"].(uuid.UUID),
		DeviceKey:          rec["device_key"].(string),
		DeviceName:         rec["device_name"].(string),
		DeviceClassName:    rec["device_class_name"].(string),
		DeviceClassVersion: rec["device_class_version"].(string),
	}
	for _, item := range rec["equipment"].([]any) {
		e := item.(map[string]any)
		reg.Equipment = append(reg.Equipment, Equipment{
			Name:     e["name"].(string),
			Code:     e["code"].(string),
			TypeName: e["type"].(string),
		})
	}
	var bindErr error
	reg.Notifications = bindVocab(rec["notifications"].([]any), &bindErr)
	reg.Commands = bindVocab(rec["commands"].([]any), &bindErr)
	if bindErr != nil {
		return nil, bindErr
	}
	return reg, nil
}

func bindVocab(items []any, bindErr *error) []Vocab {
	out := make([]Vocab, 0, len(items))
	for _, item := range items {
		v := item.(map[string]any)
		entry := Vocab{
			Intent: v["intent"].(uint16),
			Name:   v["name"].(string),
		}
		for _, p := range v["parameters"].([]any) {
			pm := p.(map[string]any)
			t := DataType(pm["type"].(uint8))
			if t > Array {
				if *bindErr == nil {
					*bindErr = fmt.Errorf("%w: parameter %q declares unknown type %d",
						ErrDeserialize, pm["name"].(string), byte(t))
				}
				continue
			}
			entry.Parameters = append(entry.Parameters, Parameter{Type: t, Name: pm["name"].(string)})
		}
		out = append(out, entry)
	}
	return out
}

// Encode renders the registration to its wire payload. The inverse of
// DecodeRegistration; devices and tests use it to build Register frames.
func (reg *DeviceRegistration) Encode() ([]byte, error) {
	equipment := make([]any, 0, len(reg.Equipment))
	for _, e := range reg.Equipment {
		equipment = append(equipment, map[string]any{
			"name": e.Name, "code": e.Code, "type": e.TypeName,
		})
	}
	rec := map[string]any{
		"device_id":            reg.DeviceID,
		"device_key":           reg.DeviceKey,
		"device_name":          reg.DeviceName,
		"device_class_name":    reg.DeviceClassName,
		"device_class_version": reg.DeviceClassVersion,
		"equipment":            equipment,
		"notifications":        vocabRecords(reg.Notifications),
		"commands":             vocabRecords(reg.Commands),
	}
	return Serialize(rec, RegistrationSchema)
}

func vocabRecords(vocab []Vocab) []any {
	out := make([]any, 0, len(vocab))
	for _, v := range vocab {
		params := make([]any, 0, len(v.Parameters))
		for _, p := range v.Parameters {
			params = append(params, map[string]any{"type": uint8(p.Type), "name": p.Name})
		}
		out = append(out, map[string]any{
			"intent": v.Intent, "name": v.Name, "parameters": params,
		})
	}
	return out
}
