package config

import "fmt"

// QueryString is the SQL text of a query definition: either a PlainQuery or a
// QueryRef into the shared query table of the owning Config.
type QueryString interface {
	// Resolve returns the SQL text, looking references up through lookup.
	Resolve(lookup func(name string) (string, bool)) (string, error)
	String() string
	isQueryString()
}

// PlainQuery is literal SQL text.
type PlainQuery string

func (q PlainQuery) Resolve(func(string) (string, bool)) (string, error) {
	return string(q), nil
}

func (q PlainQuery) String() string { return string(q) }

func (PlainQuery) isQueryString() {}

// QueryRef names an entry of the shared query table.
type QueryRef string

func (q QueryRef) Resolve(lookup func(string) (string, bool)) (string, error) {
	if lookup == nil {
		return "", fmt.Errorf("query ref %q: no query table", string(q))
	}
	text, ok := lookup(string(q))
	if !ok {
		return "", fmt.Errorf("query ref %q does not exist", string(q))
	}
	return text, nil
}

func (q QueryRef) String() string { return "ref:" + string(q) }

func (QueryRef) isQueryString() {}
