package store

import "strings"

// SearchMessages performs a case-insensitive substring search on message
// bodies, optionally within one chat, newest first.
func (db *DB) SearchMessages(query string, chatID string, limit int) ([]SearchResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT ` + messageColumns + ` FROM messages WHERE body LIKE ? ESCAPE '\'`
	args := []any{"%" + escapeLike(query) + "%"}
	if chatID != "" {
		q += " AND chat_id = ?"
		args = append(args, chatID)
	}
	q += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	msgs, err := db.queryMessages(q, args...)
	if err != nil {
		return nil, err
	}
	results := make([]SearchResult, 0, len(msgs))
	for _, m := range msgs {
		results = append(results, SearchResult{Message: m, Snippet: snippet(m.Body, query, 32)})
	}
	return results, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

// snippet marks the first match with << >> and keeps about width runes of context.
func snippet(body, query string, width int) string {
	idx := strings.Index(strings.ToLower(body), strings.ToLower(query))
	if idx < 0 || idx+len(query) > len(body) {
		return body
	}
	start := max(0, idx-width/2)
	end := min(len(body), idx+len(query)+width/2)
	var b strings.Builder
	if start > 0 {
		b.WriteString("...")
	}
	b.WriteString(body[start:idx])
	b.WriteString("<<")
	b.WriteString(body[idx : idx+len(query)])
	b.WriteString(">>")
	b.WriteString(body[idx+len(query) : end])
	if end < len(body) {
		b.WriteString("...")
	}
	return b.String()
}
