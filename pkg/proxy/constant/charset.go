package constant

import "github.com/pingcap/tidb/parser/charset"

const (
	DefaultCharset     = charset.CharsetUTF8MB4
	DefaultCollationID = charset.CollationUTF8MB4
)
