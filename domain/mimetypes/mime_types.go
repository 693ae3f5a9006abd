package mimetypes

import (
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

type MIME string

const (
	Unknown     MIME = "unknown"
	OctetStream MIME = "application/octet-stream"
	TextPlain   MIME = "text/plain"
	TextHTML    MIME = "text/html"

	ApplicationPDF  MIME = "application/pdf"
	ApplicationJSON MIME = "application/json"
	ApplicationZIP  MIME = "application/zip"
	ApplicationGZIP MIME = "application/gzip"

	ImagePNG  MIME = "image/png"
	ImageJPEG MIME = "image/jpeg"
	ImageGIF  MIME = "image/gif"
)

// SniffLen is the number of leading bytes needed to detect a content type.
const SniffLen = 3072

// alreadyCompressed lists media types whose payload gains nothing from lz4.
var alreadyCompressed = map[MIME]bool{
	ApplicationZIP:                            true,
	ApplicationGZIP:                           true,
	"application/x-7z-compressed":             true,
	"application/vnd.rar":                     true,
	"application/x-xz":                        true,
	"application/zstd":                        true,
	"application/x-bzip2":                     true,
	"application/vnd.android.package-archive": true,
	"application/x-iso9660-image":             true,
}

// Detect sniffs the media type of the leading bytes of a content item.
func Detect(head []byte) MIME {
	if len(head) == 0 {
		return Unknown
	}
	mt, _, err := mime.ParseMediaType(mimetype.Detect(head).String())
	if err != nil {
		return Unknown
	}
	return MIME(mt)
}

// Compressible reports whether chunk payloads of this type are worth compressing.
func Compressible(m MIME) bool {
	base := MIME(strings.ToLower(string(m)))
	if alreadyCompressed[base] {
		return false
	}
	for _, prefix := range []string{"image/", "video/", "audio/"} {
		if strings.HasPrefix(string(base), prefix) {
			return false
		}
	}
	return true
}

func Matches(detected string, expected MIME) (MIME, bool) {
	mt, _, err := mime.ParseMediaType(detected)
	if err != nil {
		return Unknown, false
	}
	return expected, mt == string(expected)
}
