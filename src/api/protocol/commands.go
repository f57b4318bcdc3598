package protocol

import (
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"
)

// Command is a tagged union of application commands. Only the member
// matching Type is meaningful.
type Command struct {
	Type              CommandType
	Sync              *Sync
	CreateCoordinator *CreateCoordinator
	DetachConsole     *DetachConsole
}

func NewNoop() *Command {
	return &Command{Type: CommandNoop}
}

func NewSync(s *Sync) *Command {
	return &Command{Type: CommandSync, Sync: s}
}

func NewCreateCoordinator(coordinatorID string) *Command {
	return &Command{
		Type:              CommandCreateCoordinator,
		CreateCoordinator: &CreateCoordinator{CoordinatorID: coordinatorID},
	}
}

func NewDetachConsole(consoleID string) *Command {
	return &Command{
		Type:          CommandDetachConsole,
		DetachConsole: &DetachConsole{ConsoleID: consoleID},
	}
}

// Validate checks that the member named by Type is present. Unknown types
// pass so that newer peers can be answered as unsupported.
func (c *Command) Validate() error {
	missing := false
	switch c.Type {
	case CommandSync:
		missing = c.Sync == nil
	case CommandCreateCoordinator:
		missing = c.CreateCoordinator == nil
	case CommandDetachConsole:
		missing = c.DetachConsole == nil
	}
	if missing {
		return fmt.Errorf("%w: %s command without body", ErrMalformed, c.Type)
	}
	return nil
}

func (c *Command) Marshal() []byte {
	var b []byte
	b = appendInt32(b, 1, int32(c.Type))
	if c.Sync != nil {
		b = appendMessage(b, 2, c.Sync.Marshal())
	}
	if c.CreateCoordinator != nil {
		b = appendMessage(b, 3, c.CreateCoordinator.Marshal())
	}
	if c.DetachConsole != nil {
		b = appendMessage(b, 4, c.DetachConsole.Marshal())
	}
	return b
}

func (c *Command) Unmarshal(b []byte) error {
	*c = Command{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			var v int32
			n, err := consumeInt32(typ, b, &v)
			c.Type = CommandType(v)
			return n, err
		case 2:
			c.Sync = &Sync{}
			return consumeMessage(typ, b, c.Sync.Unmarshal)
		case 3:
			c.CreateCoordinator = &CreateCoordinator{}
			return consumeMessage(typ, b, c.CreateCoordinator.Unmarshal)
		case 4:
			c.DetachConsole = &DetachConsole{}
			return consumeMessage(typ, b, c.DetachConsole.Unmarshal)
		}
		return 0, errUnknownField
	})
}

// Sync is the periodic state report a coordinator pushes to the hub.
type Sync struct {
	Enabled       bool
	CoordinatorID string
	Attributes    []string
	Resources     []Resource
	Servers       []Server
}

// ResourcesFromMap converts a resource inventory into a name sorted list.
func ResourcesFromMap(m map[string]int32) []Resource {
	out := make([]Resource, 0, len(m))
	for name, value := range m {
		out = append(out, Resource{Name: name, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Sync) ResourceMap() map[string]int32 {
	out := make(map[string]int32, len(s.Resources))
	for _, r := range s.Resources {
		out[r.Name] = r.Value
	}
	return out
}

func (s *Sync) Marshal() []byte {
	var b []byte
	b = appendBool(b, 1, s.Enabled)
	b = appendString(b, 2, s.CoordinatorID)
	for _, a := range s.Attributes {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendString(b, a)
	}
	for i := range s.Resources {
		b = appendMessage(b, 4, s.Resources[i].Marshal())
	}
	for i := range s.Servers {
		b = appendMessage(b, 5, s.Servers[i].Marshal())
	}
	return b
}

func (s *Sync) Unmarshal(b []byte) error {
	*s = Sync{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeBool(typ, b, &s.Enabled)
		case 2:
			return consumeString(typ, b, &s.CoordinatorID)
		case 3:
			var a string
			n, err := consumeString(typ, b, &a)
			if err == nil && n >= 0 {
				s.Attributes = append(s.Attributes, a)
			}
			return n, err
		case 4:
			var r Resource
			n, err := consumeMessage(typ, b, r.Unmarshal)
			if err == nil && n >= 0 {
				s.Resources = append(s.Resources, r)
			}
			return n, err
		case 5:
			var srv Server
			n, err := consumeMessage(typ, b, srv.Unmarshal)
			if err == nil && n >= 0 {
				s.Servers = append(s.Servers, srv)
			}
			return n, err
		}
		return 0, errUnknownField
	})
}

type Resource struct {
	Name  string
	Value int32
}

func (r *Resource) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, r.Name)
	b = appendInt32(b, 2, r.Value)
	return b
}

func (r *Resource) Unmarshal(b []byte) error {
	*r = Resource{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &r.Name)
		case 2:
			return consumeInt32(typ, b, &r.Value)
		}
		return 0, errUnknownField
	})
}

// Server summarizes a workload managed by a coordinator.
type Server struct {
	UUID           string
	Name           string
	PackageID      string
	PackageVersion string
	Properties     []Property
	Active         bool
}

func (s *Server) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, s.UUID)
	b = appendString(b, 2, s.Name)
	b = appendString(b, 3, s.PackageID)
	b = appendString(b, 4, s.PackageVersion)
	for i := range s.Properties {
		b = appendMessage(b, 5, s.Properties[i].Marshal())
	}
	b = appendBool(b, 6, s.Active)
	return b
}

func (s *Server) Unmarshal(b []byte) error {
	*s = Server{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &s.UUID)
		case 2:
			return consumeString(typ, b, &s.Name)
		case 3:
			return consumeString(typ, b, &s.PackageID)
		case 4:
			return consumeString(typ, b, &s.PackageVersion)
		case 5:
			var p Property
			n, err := consumeMessage(typ, b, p.Unmarshal)
			if err == nil && n >= 0 {
				s.Properties = append(s.Properties, p)
			}
			return n, err
		case 6:
			return consumeBool(typ, b, &s.Active)
		}
		return 0, errUnknownField
	})
}

type Property struct {
	Name  string
	Value string
}

func (p *Property) Marshal() []byte {
	var b []byte
	b = appendString(b, 1, p.Name)
	b = appendString(b, 2, p.Value)
	return b
}

func (p *Property) Unmarshal(b []byte) error {
	*p = Property{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch num {
		case 1:
			return consumeString(typ, b, &p.Name)
		case 2:
			return consumeString(typ, b, &p.Value)
		}
		return 0, errUnknownField
	})
}

type CreateCoordinator struct {
	CoordinatorID string
}

func (c *CreateCoordinator) Marshal() []byte {
	return appendString(nil, 1, c.CoordinatorID)
}

func (c *CreateCoordinator) Unmarshal(b []byte) error {
	*c = CreateCoordinator{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, b, &c.CoordinatorID)
		}
		return 0, errUnknownField
	})
}

type DetachConsole struct {
	ConsoleID string
}

func (d *DetachConsole) Marshal() []byte {
	return appendString(nil, 1, d.ConsoleID)
}

func (d *DetachConsole) Unmarshal(b []byte) error {
	*d = DetachConsole{}
	return unmarshalFields(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 {
			return consumeString(typ, b, &d.ConsoleID)
		}
		return 0, errUnknownField
	})
}
