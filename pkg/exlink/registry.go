// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exlink

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed registry.yaml
var defaultTable []byte

// Category classifies a command by how it is sent and answered
type Category int

const (
	CategoryQuery Category = iota
	CategoryInteger
	CategoryEnum
	CategoryButton
)

var categoryNames = map[Category]string{
	CategoryQuery:   "query",
	CategoryInteger: "integer",
	CategoryEnum:    "enum",
	CategoryButton:  "button",
}

func (c Category) String() string {
	if name, ok := categoryNames[c]; ok {
		return name
	}
	return fmt.Sprintf("category(%d)", int(c))
}

// ParseCategory converts a category name to a Category
func ParseCategory(s string) (Category, error) {
	for c, name := range categoryNames {
		if strings.EqualFold(s, name) {
			return c, nil
		}
	}
	return 0, fmt.Errorf("category %q: %w", s, ErrInvalidIdentifier)
}

// Family names a group of related replies answered by one query
type Family string

// Families known to the built-in table
const (
	FamilyPower       Family = "POWER"
	FamilyVolume      Family = "VOLUME"
	FamilyMute        Family = "MUTE"
	FamilyChannel     Family = "CHANNEL"
	FamilyInput       Family = "INPUT"
	FamilyPictureSize Family = "PICTURE_SIZE"
	FamilyThreeD      Family = "3D_STATE"
	FamilyPictureMode Family = "PICTURE_MODE"
	FamilySoundMode   Family = "SOUND_MODE"
)

// ParseFamily accepts a family name in any case, with '-' or '_' separators
func ParseFamily(s string) Family {
	return Family(strings.ToUpper(strings.ReplaceAll(s, "-", "_")))
}

// CommandSpec describes one entry of the command table. Specs returned by a
// Registry are shared and must not be modified.
type CommandSpec struct {
	ID       string
	Category Category
	// Template holds the frame bytes before the parameter and checksum,
	// starting with CommandHeader and CommandSubtype.
	Template []byte

	// Integer commands
	Min         int
	Max         int
	ParamOffset int

	// Enum commands
	Group   string
	Label   string
	OneShot bool

	// ShortTimeout selects the short acknowledgement wait used for power
	ShortTimeout bool
	// Family is the family answered by a query command
	Family Family
	// Refresh is the family re-queried after the command is acknowledged
	Refresh Family
}

// HasParameter reports whether the command carries a value byte
func (c *CommandSpec) HasParameter() bool {
	return c.Category == CategoryInteger
}

// Group is an ordered set of integer commands applied together
type Group struct {
	Name    string
	Members []string
}

// Registry holds the validated command and response tables. It is safe
// for concurrent use once loaded.
type Registry struct {
	commands   map[string]*CommandSpec
	order      []string
	queries    map[Family]*CommandSpec
	responses  map[Family]*ResponsePattern
	families   []Family
	groups     map[string]*Group
	groupOrder []string
	// fixed frames by their wire bytes, for Identify
	frames map[string]*CommandSpec
}

var (
	defaultOnce     sync.Once
	defaultRegistry *Registry
)

// DefaultRegistry returns the registry built from the embedded table
func DefaultRegistry() *Registry {
	defaultOnce.Do(func() {
		reg, err := LoadRegistry()
		if err != nil {
			panic(fmt.Sprintf("exlink: embedded registry: %v", err))
		}
		defaultRegistry = reg
	})
	return defaultRegistry
}

// LoadRegistry loads the embedded table and merges each overlay document in
// order. An overlay may add families, groups and commands, or append
// signatures to an existing family. The merged table is validated as a
// whole.
func LoadRegistry(overlays ...io.Reader) (*Registry, error) {
	var doc tableDoc
	if err := yaml.Unmarshal(defaultTable, &doc); err != nil {
		return nil, fmt.Errorf("parse embedded table: %w", err)
	}

	for i, r := range overlays {
		var extra tableDoc
		dec := yaml.NewDecoder(r)
		dec.KnownFields(true)
		if err := dec.Decode(&extra); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse overlay %d: %w", i, err)
		}
		if err := doc.merge(extra); err != nil {
			return nil, fmt.Errorf("overlay %d: %w", i, err)
		}
	}

	return build(doc)
}

// QueryPrefix starts the ID of every query command, followed by the family
const QueryPrefix = "Query."

// Command looks up a command by ID. Query commands are registered as
// QueryPrefix plus the family name.
func (r *Registry) Command(id string) (*CommandSpec, error) {
	spec, ok := r.commands[id]
	if !ok {
		return nil, fmt.Errorf("command %q: %w", id, ErrInvalidIdentifier)
	}
	return spec, nil
}

// Query returns the query command for a family
func (r *Registry) Query(f Family) (*CommandSpec, error) {
	spec, ok := r.queries[f]
	if !ok {
		return nil, fmt.Errorf("family %q: %w", f, ErrInvalidIdentifier)
	}
	return spec, nil
}

// Response returns the response pattern for a family
func (r *Registry) Response(f Family) (*ResponsePattern, error) {
	p, ok := r.responses[f]
	if !ok {
		return nil, fmt.Errorf("family %q: %w", f, ErrInvalidIdentifier)
	}
	return p, nil
}

// Group returns a named group of integer commands
func (r *Registry) Group(name string) (*Group, error) {
	g, ok := r.groups[name]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", name, ErrInvalidIdentifier)
	}
	return g, nil
}

// Families returns every family in table order
func (r *Registry) Families() []Family {
	return append([]Family(nil), r.families...)
}

// Groups returns every integer group in table order
func (r *Registry) Groups() []*Group {
	out := make([]*Group, 0, len(r.groupOrder))
	for _, name := range r.groupOrder {
		out = append(out, r.groups[name])
	}
	return out
}

// Commands returns the commands of one category in table order
func (r *Registry) Commands(c Category) []*CommandSpec {
	var out []*CommandSpec
	for _, id := range r.order {
		if spec := r.commands[id]; spec.Category == c {
			out = append(out, spec)
		}
	}
	return out
}

// Options returns the enum commands sharing an option group, in table order
func (r *Registry) Options(group string) []*CommandSpec {
	var out []*CommandSpec
	for _, id := range r.order {
		if spec := r.commands[id]; spec.Category == CategoryEnum && spec.Group == group {
			out = append(out, spec)
		}
	}
	return out
}

// OptionGroups returns the names of all enum option groups, sorted
func (r *Registry) OptionGroups() []string {
	seen := make(map[string]bool)
	for _, spec := range r.commands {
		if spec.Category == CategoryEnum && spec.Group != "" {
			seen[spec.Group] = true
		}
	}
	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Identify finds the command that produced a wire frame. For integer
// commands the decoded parameter is returned as well.
func (r *Registry) Identify(frame []byte) (*CommandSpec, int, bool) {
	if len(frame) != CommandFrameSize || !ValidChecksum(frame) {
		return nil, 0, false
	}
	if spec, ok := r.frames[string(frame)]; ok {
		return spec, 0, true
	}
	for _, id := range r.order {
		spec := r.commands[id]
		if spec.Category != CategoryInteger || !bytes.HasPrefix(frame, spec.Template) {
			continue
		}
		raw := frame[spec.ParamOffset]
		value := int(raw)
		if spec.Min < 0 && raw >= 0x80 {
			value = int(int8(raw))
		}
		return spec, value, true
	}
	return nil, 0, false
}

// Table documents, as decoded from YAML

type tableDoc struct {
	Families []familyDoc  `yaml:"families"`
	Groups   []groupDoc   `yaml:"groups"`
	Commands []commandDoc `yaml:"commands"`
}

type familyDoc struct {
	Name         string         `yaml:"name"`
	Query        []int          `yaml:"query"`
	Checksum     *int           `yaml:"checksum"`
	ShortTimeout bool           `yaml:"short_timeout"`
	Shape        string         `yaml:"shape"`
	Offset       int            `yaml:"offset"`
	Signatures   []signatureDoc `yaml:"signatures"`
}

type signatureDoc struct {
	Tag     string `yaml:"tag"`
	Payload []int  `yaml:"payload"`
}

type groupDoc struct {
	Name    string   `yaml:"name"`
	Members []string `yaml:"members"`
}

type commandDoc struct {
	ID           string `yaml:"id"`
	Category     string `yaml:"category"`
	Path         []int  `yaml:"path"`
	Checksum     *int   `yaml:"checksum"`
	Min          int    `yaml:"min"`
	Max          int    `yaml:"max"`
	Group        string `yaml:"group"`
	Label        string `yaml:"label"`
	OneShot      bool   `yaml:"one_shot"`
	ShortTimeout bool   `yaml:"short_timeout"`
	Refresh      string `yaml:"refresh"`
}

func (d *tableDoc) merge(extra tableDoc) error {
	for _, f := range extra.Families {
		idx := -1
		for i := range d.Families {
			if d.Families[i].Name == f.Name {
				idx = i
				break
			}
		}
		if idx < 0 {
			d.Families = append(d.Families, f)
			continue
		}
		if f.Query != nil || f.Shape != "" || f.Checksum != nil || f.Offset != 0 {
			return fmt.Errorf("family %s is already defined; an overlay may only add signatures", f.Name)
		}
		d.Families[idx].Signatures = append(d.Families[idx].Signatures, f.Signatures...)
	}
	d.Groups = append(d.Groups, extra.Groups...)
	d.Commands = append(d.Commands, extra.Commands...)
	return nil
}

func toBytes(what string, values []int) ([]byte, error) {
	out := make([]byte, len(values))
	for i, v := range values {
		if v < 0 || v > 0xFF {
			return nil, fmt.Errorf("%s: byte %d is %d", what, i, v)
		}
		out[i] = byte(v)
	}
	return out, nil
}

func commandTemplate(path []byte) []byte {
	t := make([]byte, 0, 2+len(path))
	t = append(t, CommandHeader, CommandSubtype)
	return append(t, path...)
}

func checkDeclared(what string, frame []byte, declared *int) error {
	if declared == nil {
		return nil
	}
	if got := Checksum(frame); int(got) != *declared {
		return fmt.Errorf("%s: declared checksum 0x%02X, computed 0x%02X", what, *declared, got)
	}
	return nil
}

func build(doc tableDoc) (*Registry, error) {
	r := &Registry{
		commands:  make(map[string]*CommandSpec),
		queries:   make(map[Family]*CommandSpec),
		responses: make(map[Family]*ResponsePattern),
		groups:    make(map[string]*Group),
		frames:    make(map[string]*CommandSpec),
	}

	add := func(spec *CommandSpec) error {
		if spec.ID == "" {
			return errors.New("command with empty id")
		}
		if _, dup := r.commands[spec.ID]; dup {
			return fmt.Errorf("duplicate command id %q", spec.ID)
		}
		r.commands[spec.ID] = spec
		r.order = append(r.order, spec.ID)
		return nil
	}

	for _, fd := range doc.Families {
		pattern, query, err := buildFamily(fd)
		if err != nil {
			return nil, err
		}
		if _, dup := r.responses[pattern.Family]; dup {
			return nil, fmt.Errorf("duplicate family %q", pattern.Family)
		}
		if err := add(query); err != nil {
			return nil, err
		}
		r.responses[pattern.Family] = pattern
		r.queries[pattern.Family] = query
		r.families = append(r.families, pattern.Family)
	}

	for _, cd := range doc.Commands {
		spec, err := buildCommand(cd)
		if err != nil {
			return nil, err
		}
		if spec.Refresh != "" {
			if _, ok := r.responses[spec.Refresh]; !ok {
				return nil, fmt.Errorf("command %s: refresh family %q is not defined", spec.ID, spec.Refresh)
			}
		}
		if err := add(spec); err != nil {
			return nil, err
		}
	}

	for _, gd := range doc.Groups {
		if gd.Name == "" || len(gd.Members) == 0 {
			return nil, fmt.Errorf("group %q must have a name and members", gd.Name)
		}
		if _, dup := r.groups[gd.Name]; dup {
			return nil, fmt.Errorf("duplicate group %q", gd.Name)
		}
		for _, id := range gd.Members {
			spec, ok := r.commands[id]
			if !ok {
				return nil, fmt.Errorf("group %s: member %q is not defined", gd.Name, id)
			}
			if spec.Category != CategoryInteger {
				return nil, fmt.Errorf("group %s: member %s is not an integer command", gd.Name, id)
			}
			if spec.Group != gd.Name {
				return nil, fmt.Errorf("group %s: member %s declares group %q", gd.Name, id, spec.Group)
			}
		}
		r.groups[gd.Name] = &Group{Name: gd.Name, Members: append([]string(nil), gd.Members...)}
		r.groupOrder = append(r.groupOrder, gd.Name)
	}

	for _, id := range r.order {
		spec := r.commands[id]
		if spec.Category == CategoryInteger {
			if spec.Group != "" {
				if _, ok := r.groups[spec.Group]; !ok {
					return nil, fmt.Errorf("command %s: group %q is not defined", id, spec.Group)
				}
			}
			continue
		}
		frame := append(append([]byte(nil), spec.Template...), Checksum(spec.Template))
		if other, dup := r.frames[string(frame)]; dup {
			return nil, fmt.Errorf("commands %s and %s share the frame %s", other.ID, id, HexString(frame))
		}
		r.frames[string(frame)] = spec
	}

	return r, nil
}

func buildFamily(fd familyDoc) (*ResponsePattern, *CommandSpec, error) {
	if fd.Name == "" {
		return nil, nil, errors.New("family with empty name")
	}
	family := Family(fd.Name)

	path, err := toBytes("family "+fd.Name+" query", fd.Query)
	if err != nil {
		return nil, nil, err
	}
	if len(path) != CommandPathSize {
		return nil, nil, fmt.Errorf("family %s: query path has %d bytes, want %d", fd.Name, len(path), CommandPathSize)
	}
	template := commandTemplate(path)
	if err := checkDeclared("family "+fd.Name, template, fd.Checksum); err != nil {
		return nil, nil, err
	}

	shape, err := parseShape(fd.Shape)
	if err != nil {
		return nil, nil, fmt.Errorf("family %s: %w", fd.Name, err)
	}
	pattern := &ResponsePattern{
		Family:  family,
		Shape:   shape,
		Offset:  fd.Offset,
		byValue: make(map[[PayloadSize]byte]string),
	}
	if shape == ShapeInteger || shape == ShapeBoolean {
		if fd.Offset < DataHeaderSize || fd.Offset >= DataFrameSize-1 {
			return nil, nil, fmt.Errorf("family %s: offset %d is outside the payload", fd.Name, fd.Offset)
		}
	}

	tags := make(map[string]bool)
	for _, sd := range fd.Signatures {
		if sd.Tag == "" || sd.Tag == UnknownTag {
			return nil, nil, fmt.Errorf("family %s: invalid signature tag %q", fd.Name, sd.Tag)
		}
		if tags[sd.Tag] {
			return nil, nil, fmt.Errorf("family %s: duplicate tag %s", fd.Name, sd.Tag)
		}
		payload, err := toBytes("family "+fd.Name+" signature "+sd.Tag, sd.Payload)
		if err != nil {
			return nil, nil, err
		}
		if len(payload) != PayloadSize {
			return nil, nil, fmt.Errorf("family %s: signature %s has %d bytes, want %d", fd.Name, sd.Tag, len(payload), PayloadSize)
		}
		var key [PayloadSize]byte
		copy(key[:], payload)
		if prev, dup := pattern.byValue[key]; dup {
			return nil, nil, fmt.Errorf("family %s: signatures %s and %s are identical", fd.Name, prev, sd.Tag)
		}
		if !ValidChecksum(append(DataHeader(), payload...)) {
			return nil, nil, fmt.Errorf("family %s: signature %s fails its checksum", fd.Name, sd.Tag)
		}
		tags[sd.Tag] = true
		pattern.byValue[key] = sd.Tag
		pattern.Signatures = append(pattern.Signatures, Signature{Tag: sd.Tag, Payload: key})
	}
	if shape == ShapeSignature && len(pattern.Signatures) == 0 {
		return nil, nil, fmt.Errorf("family %s: signature shape without signatures", fd.Name)
	}

	query := &CommandSpec{
		ID:           QueryPrefix + fd.Name,
		Category:     CategoryQuery,
		Template:     template,
		ShortTimeout: fd.ShortTimeout,
		Family:       family,
	}
	return pattern, query, nil
}

func buildCommand(cd commandDoc) (*CommandSpec, error) {
	category, err := ParseCategory(cd.Category)
	if err != nil || category == CategoryQuery {
		return nil, fmt.Errorf("command %s: unsupported category %q", cd.ID, cd.Category)
	}
	path, err := toBytes("command "+cd.ID, cd.Path)
	if err != nil {
		return nil, err
	}

	spec := &CommandSpec{
		ID:           cd.ID,
		Category:     category,
		Template:     commandTemplate(path),
		Group:        cd.Group,
		Label:        cd.Label,
		OneShot:      cd.OneShot,
		ShortTimeout: cd.ShortTimeout,
		Refresh:      Family(cd.Refresh),
	}

	switch category {
	case CategoryInteger:
		if len(path) != CommandPathSize-1 {
			return nil, fmt.Errorf("command %s: integer path has %d bytes, want %d", cd.ID, len(path), CommandPathSize-1)
		}
		if cd.Checksum != nil {
			return nil, fmt.Errorf("command %s: integer commands have no fixed checksum", cd.ID)
		}
		if cd.Min > cd.Max {
			return nil, fmt.Errorf("command %s: empty range [%d, %d]", cd.ID, cd.Min, cd.Max)
		}
		if cd.Min < minEncodable || cd.Min > maxEncodable {
			return nil, fmt.Errorf("command %s: lower bound %d cannot be encoded", cd.ID, cd.Min)
		}
		spec.Min, spec.Max = cd.Min, cd.Max
		spec.ParamOffset = len(spec.Template)
	default:
		if len(path) != CommandPathSize {
			return nil, fmt.Errorf("command %s: path has %d bytes, want %d", cd.ID, len(path), CommandPathSize)
		}
		if cd.Min != 0 || cd.Max != 0 {
			return nil, fmt.Errorf("command %s: only integer commands take a range", cd.ID)
		}
		if err := checkDeclared("command "+cd.ID, spec.Template, cd.Checksum); err != nil {
			return nil, err
		}
	}
	return spec, nil
}
