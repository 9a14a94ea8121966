package gotd

import (
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/gotd/td/tg"
)

// parseMarkdown strips the markdown dialect the planner writes (**bold**,
// __italic__, ~~strike~~, `code`, ```pre``` and [label](url)) and returns
// the plain text plus the matching message entities. Offsets and lengths
// are in UTF-16 code units, as MTProto requires. Unterminated markers pass
// through as literal text.
func parseMarkdown(s string) (string, []tg.MessageEntityClass) {
	var (
		b        strings.Builder
		entities []tg.MessageEntityClass
		offset   int
	)
	appendText := func(t string) {
		b.WriteString(t)
		for _, r := range t {
			offset += utf16.RuneLen(r)
		}
	}
	span := func(body string, ent func(off, length int) tg.MessageEntityClass) {
		start := offset
		appendText(body)
		if offset > start {
			entities = append(entities, ent(start, offset-start))
		}
	}

	i := 0
	for i < len(s) {
		rest := s[i:]
		switch {
		case strings.HasPrefix(rest, "```"):
			if end := strings.Index(rest[3:], "```"); end >= 0 {
				body := strings.TrimPrefix(rest[3:3+end], "\n")
				span(body, func(off, length int) tg.MessageEntityClass {
					return &tg.MessageEntityPre{Offset: off, Length: length}
				})
				i += 3 + end + 3
				continue
			}
		case strings.HasPrefix(rest, "**"):
			if end := strings.Index(rest[2:], "**"); end > 0 {
				span(rest[2:2+end], func(off, length int) tg.MessageEntityClass {
					return &tg.MessageEntityBold{Offset: off, Length: length}
				})
				i += 2 + end + 2
				continue
			}
		case strings.HasPrefix(rest, "__"):
			if end := strings.Index(rest[2:], "__"); end > 0 {
				span(rest[2:2+end], func(off, length int) tg.MessageEntityClass {
					return &tg.MessageEntityItalic{Offset: off, Length: length}
				})
				i += 2 + end + 2
				continue
			}
		case strings.HasPrefix(rest, "~~"):
			if end := strings.Index(rest[2:], "~~"); end > 0 {
				span(rest[2:2+end], func(off, length int) tg.MessageEntityClass {
					return &tg.MessageEntityStrike{Offset: off, Length: length}
				})
				i += 2 + end + 2
				continue
			}
		case rest[0] == '`':
			if end := strings.IndexByte(rest[1:], '`'); end > 0 {
				span(rest[1:1+end], func(off, length int) tg.MessageEntityClass {
					return &tg.MessageEntityCode{Offset: off, Length: length}
				})
				i += 1 + end + 1
				continue
			}
		case rest[0] == '[':
			if close := strings.Index(rest, "]("); close > 0 {
				if endURL := strings.IndexByte(rest[close+2:], ')'); endURL > 0 {
					url := rest[close+2 : close+2+endURL]
					span(rest[1:close], func(off, length int) tg.MessageEntityClass {
						return &tg.MessageEntityTextURL{Offset: off, Length: length, URL: url}
					})
					i += close + 2 + endURL + 1
					continue
				}
			}
		}

		r, size := utf8.DecodeRuneInString(rest)
		b.WriteRune(r)
		offset += utf16.RuneLen(r)
		i += size
	}
	return b.String(), entities
}
