package sensor

// QueryDocument maps a Klipper object path to the unique list of fields
// any sensor needs from it. It is the params payload for
// printer.objects.query, built once at startup and read-only afterward.
type QueryDocument map[string][]string

// Add inserts field into the list for object, creating the list if the
// object is new. Adding the same pair twice is a no-op, so descriptors
// may freely share subscriptions.
func (q QueryDocument) Add(object, field string) {
	for _, existing := range q[object] {
		if existing == field {
			return
		}
	}
	q[object] = append(q[object], field)
}

// BuildQuery folds every descriptor's subscriptions into one query
// document. Pure data transformation over the static registry; there
// are no error conditions.
func BuildQuery(descriptors []Descriptor) QueryDocument {
	q := make(QueryDocument)
	for _, d := range descriptors {
		for _, s := range d.Subscriptions {
			q.Add(s.Object, s.Field)
		}
	}
	return q
}
