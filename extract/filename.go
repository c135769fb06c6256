package extract

import (
	"fmt"
	"strings"
	"unicode"
)

// illegalFilenameChars are the characters that are invalid in a filename on at least one
// common platform or that would break a quoted Content-Disposition parameter.
const illegalFilenameChars = `\/:*?"<>|`

// SanitizeName replaces every illegal filename character and every control character in
// title with an underscore and trims surrounding whitespace. It is idempotent.
func SanitizeName(title string) string {
	cleaned := strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegalFilenameChars, r) || unicode.IsControl(r) {
			return '_'
		}
		return r
	}, title)
	return strings.TrimSpace(cleaned)
}

// SanitizeFilename returns the download filename for a title. Absent or empty titles
// produce the default name. The result always ends with naming.Extension.
func SanitizeFilename(title string, present bool, naming Naming) string {
	if !present {
		return naming.DefaultName + naming.Extension
	}
	name := SanitizeName(title)
	if name == "" {
		return naming.DefaultName + naming.Extension
	}
	return name + naming.Extension
}

// ContentDisposition builds an attachment Content-Disposition value for filename.
//
// The quoted filename parameter keeps printable ASCII as is and percent-encodes every
// other byte, so the header stays valid bytes for any title. The RFC 5987 filename*
// parameter carries the exact UTF-8 name for clients that support it.
func ContentDisposition(filename string) string {
	return fmt.Sprintf(`attachment; filename="%s"; filename*=UTF-8''%s`, DispositionFilename(filename), encodeRFC5987(filename))
}

// DispositionFilename percent-encodes the bytes of filename that are not printable ASCII,
// along with '%', '"' and '\'.
func DispositionFilename(filename string) string {
	var b strings.Builder
	for i := 0; i < len(filename); i++ {
		c := filename[i]
		if c < 0x20 || c >= 0x7f || c == '%' || c == '"' || c == '\\' {
			fmt.Fprintf(&b, "%%%02X", c)
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

// encodeRFC5987 encodes s as an RFC 5987 ext-value, keeping only attr-char bytes literal.
func encodeRFC5987(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isAttrChar(c) {
			b.WriteByte(c)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", c)
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
