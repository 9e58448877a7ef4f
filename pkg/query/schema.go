package query

// Request is the tagged-variant "what to return" body every
// cardano.query.<name> topic accepts (spec.md §6.3). Discriminator names
// the query; Params carries its concrete parameters (an opaque id for a
// point query, or nothing for a bulk query).
//
// Cursor is the paging cursor for bulk queries — recovered from
// original_source/common/src/queries/{accounts,pools}.rs (see
// SPEC_FULL.md "Supplemented features"); spec.md §6.3 itself does not
// spell out paging but every concrete query handler needs one.
type Request struct {
	Discriminator string
	Params        any
	Cursor        string
}

// IsPointQuery reports whether this request addresses a single entity by
// id rather than a page of a bulk listing.
func (r Request) IsPointQuery() bool { return r.Cursor == "" && r.Params != nil }

// Reply is the tagged-variant "what it is" body a handler returns
// (spec.md §6.3). Discriminator matches the request's on success; Body
// carries the concrete payload. NextCursor is set when more pages of a
// bulk query remain.
type Reply struct {
	Discriminator string
	Body          any
	NextCursor    string
}
