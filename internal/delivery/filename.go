package delivery

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const (
	fallbackName = "video"
	maxNameRunes = 120
)

// fileNameReplacer drops characters that are unsafe in file names on common filesystems.
var fileNameReplacer = strings.NewReplacer(
	"/", "-",
	"\\", "-",
	":", "-",
	"*", "-",
	"?", "",
	"\"", "",
	"<", "",
	">", "",
	"|", "",
)

// FileName returns a file name for a download titled title, without extension.
func FileName(title string) string {
	var b strings.Builder

	for _, r := range fileNameReplacer.Replace(title) {
		if unicode.IsControl(r) {
			continue
		}

		if unicode.IsSpace(r) {
			r = ' '
		}

		b.WriteRune(r)
	}

	name := truncate(strings.Join(strings.Fields(b.String()), " "), maxNameRunes)
	name = strings.Trim(name, " .")

	if name == "" {
		return fallbackName
	}

	return name
}

// ASCIIFileName transliterates FileName(title) to ASCII for clients that ignore filename*.
func ASCIIFileName(title string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

	decomposed, _, err := transform.String(t, FileName(title))
	if err != nil {
		decomposed = FileName(title)
	}

	var b strings.Builder

	for _, r := range decomposed {
		switch {
		case r < 0x80 && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(r)
		case strings.ContainsRune(" .-_()[]'!,&+", r):
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}

	name := strings.Trim(b.String(), " ._")
	if strings.Trim(name, "_ ") == "" {
		return fallbackName
	}

	return name
}

// ContentDisposition builds an attachment header carrying both a plain ASCII file name and the
// RFC 5987 encoded original.
func ContentDisposition(title, container string) string {
	ascii := ASCIIFileName(title) + "." + container
	utf := FileName(title) + "." + container

	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, ascii, encodeExtValue(utf))
}

// encodeExtValue percent-encodes everything outside the RFC 5987 attr-char set.
func encodeExtValue(s string) string {
	const hex = "0123456789ABCDEF"

	var b strings.Builder

	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)

			continue
		}

		b.WriteByte('%')
		b.WriteByte(hex[c>>4])
		b.WriteByte(hex[c&0x0f])
	}

	return b.String()
}

func isAttrChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}

	return strings.IndexByte("!#$&+-.^_`|~", c) >= 0
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}

	return string(r[:n])
}
