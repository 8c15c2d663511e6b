package knowledge

import "strings"

// Tags are []string at the domain layer and a single encoded string at the
// storage boundary. The encoding joins tags with commas, escaping literal
// backslashes and commas inside a tag, so the mapping is lossless in both
// directions.

// encodeTags joins tags into the storage representation.
// Empty tags are dropped; a nil or empty slice encodes to "".
func encodeTags(tags []string) string {
	var b strings.Builder
	first := true
	for _, tag := range tags {
		if tag == "" {
			continue
		}
		if !first {
			b.WriteByte(',')
		}
		first = false
		for i := 0; i < len(tag); i++ {
			switch tag[i] {
			case '\\', ',':
				b.WriteByte('\\')
			}
			b.WriteByte(tag[i])
		}
	}
	return b.String()
}

// decodeTags splits the storage representation back into tags.
func decodeTags(encoded string) []string {
	if encoded == "" {
		return nil
	}
	var tags []string
	var cur strings.Builder
	escaped := false
	for i := 0; i < len(encoded); i++ {
		c := encoded[i]
		switch {
		case escaped:
			cur.WriteByte(c)
			escaped = false
		case c == '\\':
			escaped = true
		case c == ',':
			tags = append(tags, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	tags = append(tags, cur.String())
	return tags
}
