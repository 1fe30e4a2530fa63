package receiver

import "strings"

// Field is one header or trailer line.
type Field struct {
	Name  string
	Value string
}

// Fields is an insertion-ordered field collection. Duplicate names are
// permitted and preserved; lookups are case-insensitive.
type Fields struct {
	fields []Field
}

func (f *Fields) Add(name, value string) {
	f.fields = append(f.fields, Field{name, value})
}

// Get returns the first value for name.
func (f *Fields) Get(name string) (string, bool) {
	for _, field := range f.fields {
		if strings.EqualFold(field.Name, name) {
			return field.Value, true
		}
	}
	return "", false
}

// Values returns every value for name, in insertion order.
func (f *Fields) Values(name string) []string {
	var values []string
	for _, field := range f.fields {
		if strings.EqualFold(field.Name, name) {
			values = append(values, field.Value)
		}
	}
	return values
}

// Set replaces every occurrence of name with a single field.
func (f *Fields) Set(name, value string) {
	f.Remove(name)
	f.Add(name, value)
}

func (f *Fields) Remove(name string) {
	kept := f.fields[:0]
	for _, field := range f.fields {
		if !strings.EqualFold(field.Name, name) {
			kept = append(kept, field)
		}
	}
	f.fields = kept
}

func (f *Fields) Len() int { return len(f.fields) }

// All returns the backing slice; callers must not mutate it.
func (f *Fields) All() []Field { return f.fields }

func (f *Fields) reset() { f.fields = f.fields[:0] }
