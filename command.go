package gearman

import (
	"fmt"
)

// Magic identifies whether a Command is a request sent by a client/worker or
// a response/notification sent by the server.
type Magic byte

const (
	_ Magic = iota
	// MagicReq marks a request frame.
	MagicReq
	// MagicRes marks a response/notification frame.
	MagicRes
)

const (
	magicReqValue = "\000REQ"
	magicResValue = "\000RES"
)

func (m Magic) String() string {
	switch m {
	case MagicReq:
		return magicReqValue
	case MagicRes:
		return magicResValue
	default:
		return "\000UNK"
	}
}

// Valid reports whether m is a known magic value.
func (m Magic) Valid() bool {
	return m == MagicReq || m == MagicRes
}

// PacketType is the numeric command code carried on the wire.
type PacketType uint32

// PacketTypeMin and PacketTypeMax bound the codes this catalog recognizes.
const (
	PacketTypeMin = 1
	PacketTypeMax = 42
)

const (
	_ PacketType = iota
	CAN_DO
	CANT_DO
	RESET_ABILITIES
	PRE_SLEEP
	_
	NOOP
	SUBMIT_JOB
	JOB_CREATED
	GRAB_JOB
	NO_JOB
	JOB_ASSIGN
	WORK_STATUS
	WORK_COMPLETE
	WORK_FAIL
	GET_STATUS
	ECHO_REQ
	ECHO_RES
	SUBMIT_JOB_BG
	ERROR
	STATUS_RES
	SUBMIT_JOB_HIGH
	SET_CLIENT_ID
	CAN_DO_TIMEOUT
	ALL_YOURS
	WORK_EXCEPTION
	OPTION_REQ
	OPTION_RES
	WORK_DATA
	WORK_WARNING
	GRAB_JOB_UNIQ
	JOB_ASSIGN_UNIQ
	SUBMIT_JOB_HIGH_BG
	SUBMIT_JOB_LOW
	SUBMIT_JOB_LOW_BG
	SUBMIT_JOB_SCHED
	SUBMIT_JOB_EPOCH
	SUBMIT_REDUCE_JOB
	SUBMIT_REDUCE_JOB_BACKGROUND
	GRAB_JOB_ALL
	JOB_ASSIGN_ALL
	GET_STATUS_UNIQUE
	STATUS_RES_UNIQUE
)

// Valid reports whether t falls in the recognized code range.
func (t PacketType) Valid() bool {
	return t >= PacketTypeMin && t <= PacketTypeMax
}

// ArgField names one ordered field of a command's payload schema.
type ArgField struct {
	Name   string
	IsData bool // at most one field per schema, and it must be last
}

// CommandType describes one kind of command: its name, numeric wire code,
// and ordered argument schema.
type CommandType struct {
	Name   string
	Code   PacketType
	Schema []ArgField
}

func (t *CommandType) dataField() (ArgField, bool) {
	if len(t.Schema) == 0 {
		return ArgField{}, false
	}
	last := t.Schema[len(t.Schema)-1]
	if last.IsData {
		return last, true
	}
	return ArgField{}, false
}

// nonDataFields lists the names of the non-data schema fields, in order.
func (t *CommandType) nonDataFields() []string {
	fields := t.Schema
	if _, ok := t.dataField(); ok {
		fields = fields[:len(fields)-1]
	}
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

func f(name string) ArgField { return ArgField{Name: name} }
func dataF(name string) ArgField { return ArgField{Name: name, IsData: true} }

// catalog is the builtin, bidirectional name<->code table used by this
// core. It covers every command the Client and Worker state machines speak,
// plus the upstream commands named in SPEC_FULL.md section 4.11.
var catalog = newCatalog([]*CommandType{
	{Name: "CAN_DO", Code: CAN_DO, Schema: []ArgField{f("function_name")}},
	{Name: "CAN_DO_TIMEOUT", Code: CAN_DO_TIMEOUT, Schema: []ArgField{f("function_name"), f("timeout")}},
	{Name: "CANT_DO", Code: CANT_DO, Schema: []ArgField{f("function_name")}},
	{Name: "RESET_ABILITIES", Code: RESET_ABILITIES, Schema: nil},
	{Name: "PRE_SLEEP", Code: PRE_SLEEP, Schema: nil},
	{Name: "NOOP", Code: NOOP, Schema: nil},
	{Name: "SUBMIT_JOB", Code: SUBMIT_JOB, Schema: []ArgField{f("function_name"), f("id"), dataF("data")}},
	{Name: "SUBMIT_JOB_BG", Code: SUBMIT_JOB_BG, Schema: []ArgField{f("function_name"), f("id"), dataF("data")}},
	{Name: "SUBMIT_JOB_HIGH", Code: SUBMIT_JOB_HIGH, Schema: []ArgField{f("function_name"), f("id"), dataF("data")}},
	{Name: "SUBMIT_JOB_HIGH_BG", Code: SUBMIT_JOB_HIGH_BG, Schema: []ArgField{f("function_name"), f("id"), dataF("data")}},
	{Name: "SUBMIT_JOB_LOW", Code: SUBMIT_JOB_LOW, Schema: []ArgField{f("function_name"), f("id"), dataF("data")}},
	{Name: "SUBMIT_JOB_LOW_BG", Code: SUBMIT_JOB_LOW_BG, Schema: []ArgField{f("function_name"), f("id"), dataF("data")}},
	{Name: "JOB_CREATED", Code: JOB_CREATED, Schema: []ArgField{f("handle")}},
	{Name: "GRAB_JOB", Code: GRAB_JOB, Schema: nil},
	{Name: "GRAB_JOB_UNIQ", Code: GRAB_JOB_UNIQ, Schema: nil},
	{Name: "NO_JOB", Code: NO_JOB, Schema: nil},
	{Name: "JOB_ASSIGN", Code: JOB_ASSIGN, Schema: []ArgField{f("handle"), f("function_name"), dataF("data")}},
	{Name: "JOB_ASSIGN_UNIQ", Code: JOB_ASSIGN_UNIQ, Schema: []ArgField{f("handle"), f("function_name"), f("id"), dataF("data")}},
	{Name: "WORK_STATUS", Code: WORK_STATUS, Schema: []ArgField{f("handle"), f("numerator"), f("denominator")}},
	{Name: "WORK_COMPLETE", Code: WORK_COMPLETE, Schema: []ArgField{f("handle"), dataF("data")}},
	{Name: "WORK_FAIL", Code: WORK_FAIL, Schema: []ArgField{f("handle")}},
	{Name: "WORK_EXCEPTION", Code: WORK_EXCEPTION, Schema: []ArgField{f("handle"), dataF("data")}},
	{Name: "WORK_DATA", Code: WORK_DATA, Schema: []ArgField{f("handle"), dataF("data")}},
	{Name: "WORK_WARNING", Code: WORK_WARNING, Schema: []ArgField{f("handle"), dataF("data")}},
	{Name: "GET_STATUS", Code: GET_STATUS, Schema: []ArgField{f("handle")}},
	{Name: "GET_STATUS_UNIQUE", Code: GET_STATUS_UNIQUE, Schema: []ArgField{f("id")}},
	{Name: "STATUS_RES", Code: STATUS_RES, Schema: []ArgField{f("handle"), f("known"), f("running"), f("numerator"), f("denominator")}},
	{Name: "STATUS_RES_UNIQUE", Code: STATUS_RES_UNIQUE, Schema: []ArgField{f("id"), f("known"), f("running"), f("numerator"), f("denominator"), f("waiting")}},
	{Name: "ECHO_REQ", Code: ECHO_REQ, Schema: []ArgField{dataF("data")}},
	{Name: "ECHO_RES", Code: ECHO_RES, Schema: []ArgField{dataF("data")}},
	{Name: "ERROR", Code: ERROR, Schema: []ArgField{f("err_code"), dataF("err_text")}},
	{Name: "OPTION_REQ", Code: OPTION_REQ, Schema: []ArgField{f("option_name")}},
	{Name: "OPTION_RES", Code: OPTION_RES, Schema: []ArgField{f("option_name")}},
	{Name: "SET_CLIENT_ID", Code: SET_CLIENT_ID, Schema: []ArgField{f("client_id")}},
})

// Catalog is a name/code indexed table of CommandType values.
type Catalog struct {
	byName map[string]*CommandType
	byCode map[PacketType]*CommandType
}

func newCatalog(types []*CommandType) *Catalog {
	c := &Catalog{byName: make(map[string]*CommandType), byCode: make(map[PacketType]*CommandType)}
	for _, t := range types {
		c.byName[t.Name] = t
		c.byCode[t.Code] = t
	}
	return c
}

// Lookup resolves a CommandType by name, returning (nil, false) if unknown.
func (c *Catalog) Lookup(name string) (*CommandType, bool) {
	t, ok := c.byName[name]
	return t, ok
}

// LookupCode resolves a CommandType by its numeric wire code.
func (c *Catalog) LookupCode(code PacketType) (*CommandType, bool) {
	t, ok := c.byCode[code]
	return t, ok
}

// Command is a decoded or about-to-be-encoded Gearman protocol frame: a
// magic, a type, its ordered non-data arguments, and an optional trailing
// opaque data field.
type Command struct {
	Magic Magic
	Type  *CommandType
	Args  map[string]string
	Data  []byte
}

// Arg returns the value of a non-data argument, or "" if absent.
func (c *Command) Arg(name string) string {
	return c.Args[name]
}

func (c *Command) String() string {
	if c.Type == nil {
		return "<invalid command>"
	}
	return fmt.Sprintf("%s.%s", c.Magic, c.Type.Name)
}

// Create constructs a validated Command of the named or coded type.
//
// It resolves the type, verifies every non-data schema field is present in
// args with no unknown fields supplied, and verifies data is only given
// when the schema has a trailing data field. It distinguishes an unknown
// command type from an argument mismatch by returning errors of different
// Kind (see errors.go).
func (c *Catalog) Create(typeRef interface{}, args map[string]string, data []byte, magic Magic) (*Command, error) {
	t, err := c.resolve(typeRef)
	if err != nil {
		return nil, err
	}

	wantFields := t.nonDataFields()
	want := make(map[string]struct{}, len(wantFields))
	for _, name := range wantFields {
		want[name] = struct{}{}
		if _, ok := args[name]; !ok {
			return nil, newArgMismatchError(t.Name, fmt.Sprintf("missing required field %q", name))
		}
	}
	for name := range args {
		if _, ok := want[name]; !ok {
			return nil, newArgMismatchError(t.Name, fmt.Sprintf("unknown field %q", name))
		}
	}

	_, hasDataField := t.dataField()
	if !hasDataField && len(data) > 0 {
		return nil, newArgMismatchError(t.Name, "command has no data field but data was supplied")
	}

	argsCopy := make(map[string]string, len(args))
	for k, v := range args {
		argsCopy[k] = v
	}
	return &Command{Magic: magic, Type: t, Args: argsCopy, Data: data}, nil
}

func (c *Catalog) resolve(typeRef interface{}) (*CommandType, error) {
	switch v := typeRef.(type) {
	case string:
		if t, ok := c.Lookup(v); ok {
			return t, nil
		}
		return nil, newUnknownCommandError(v)
	case PacketType:
		if t, ok := c.LookupCode(v); ok {
			return t, nil
		}
		return nil, newUnknownCommandError(fmt.Sprintf("code %d", v))
	case *CommandType:
		if v == nil {
			return nil, newUnknownCommandError("<nil>")
		}
		return v, nil
	default:
		return nil, newUnknownCommandError(fmt.Sprintf("%v", v))
	}
}
