package schema

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/kimhsiao/nodesync/internal/db"
)

// Normalize strips SQL comments and collapses whitespace so cosmetic edits
// do not change the schema hash. Quoted literals are kept verbatim.
func Normalize(sql string) string {
	var b strings.Builder
	b.Grow(len(sql))
	pendingSpace := false

	emit := func(c byte) {
		if pendingSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		pendingSpace = false
		b.WriteByte(c)
	}

	for i := 0; i < len(sql); i++ {
		c := sql[i]
		switch {
		case c == '-' && i+1 < len(sql) && sql[i+1] == '-':
			for i < len(sql) && sql[i] != '\n' {
				i++
			}
			pendingSpace = true
		case c == '/' && i+1 < len(sql) && sql[i+1] == '*':
			i += 2
			for i+1 < len(sql) && !(sql[i] == '*' && sql[i+1] == '/') {
				i++
			}
			i++ // skip the closing '/'
			pendingSpace = true
		case c == '\'' || c == '"':
			quote := c
			emit(c)
			for i+1 < len(sql) {
				i++
				b.WriteByte(sql[i])
				if sql[i] == quote {
					// doubled quote is an escape
					if i+1 < len(sql) && sql[i+1] == quote {
						i++
						b.WriteByte(sql[i])
						continue
					}
					break
				}
			}
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			pendingSpace = true
		default:
			emit(c)
		}
	}
	return b.String()
}

// ComputeHash returns the SHA-256 over the normalized migration files in
// version order.
func ComputeHash(files []db.MigrationFile) string {
	h := sha256.New()
	for _, f := range files {
		h.Write([]byte(f.Name))
		h.Write([]byte{0})
		h.Write([]byte(Normalize(string(f.SQL))))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
