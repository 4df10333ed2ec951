package audio

import (
	"mime"
	"path/filepath"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// Class is the coarse media category used to decide how a file is decoded.
type Class int

const (
	// Unknown means no media type could be determined.
	Unknown Class = iota
	Audio
	Video
	// Other is a known media type that is neither audio nor video.
	Other
)

func (c Class) String() string {
	switch c {
	case Audio:
		return "audio"
	case Video:
		return "video"
	case Other:
		return "other"
	default:
		return "unknown"
	}
}

// octetStream is what sniffers report when they have no idea.
const octetStream = "application/octet-stream"

// extensionTypes covers media extensions missing from the stdlib table on
// minimal systems without /etc/mime.types.
var extensionTypes = map[string]string{
	".mp3":  "audio/mpeg",
	".wav":  "audio/wav",
	".wave": "audio/wav",
	".m4a":  "audio/mp4",
	".aac":  "audio/aac",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/opus",
	".flac": "audio/flac",
	".wma":  "audio/x-ms-wma",
	".amr":  "audio/amr",
	".aiff": "audio/aiff",
	".aif":  "audio/aiff",
	".weba": "audio/webm",
	".webm": "video/webm",
	".mp4":  "video/mp4",
	".m4v":  "video/x-m4v",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
	".3gp":  "video/3gpp",
	".mpeg": "video/mpeg",
	".mpg":  "video/mpeg",
}

// DeclaredType returns the media type implied by the file extension, or "".
func DeclaredType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == "" {
		return ""
	}
	if t, ok := extensionTypes[ext]; ok {
		return t
	}
	return baseType(mime.TypeByExtension(ext))
}

// SniffType inspects file content and returns the detected media type, or ""
// when the content is not recognised.
func SniffType(path string) string {
	m, err := mimetype.DetectFile(path)
	if err != nil {
		return ""
	}
	return baseType(m.String())
}

// Classify determines the media type of path, preferring the declared
// (extension) type and falling back to content sniffing.
func Classify(path string) (Class, string) {
	mediaType := DeclaredType(path)
	if mediaType == "" || mediaType == octetStream {
		mediaType = SniffType(path)
	}
	return classOf(mediaType), mediaType
}

// ContentType returns a content type suitable for storing path's data.
func ContentType(name string, head []byte) string {
	if t := DeclaredType(name); t != "" {
		return t
	}
	if len(head) > 0 {
		return baseType(mimetype.Detect(head).String())
	}
	return octetStream
}

func classOf(mediaType string) Class {
	switch {
	case mediaType == "" || mediaType == octetStream:
		return Unknown
	case strings.HasPrefix(mediaType, "audio/"):
		return Audio
	case strings.HasPrefix(mediaType, "video/"):
		return Video
	default:
		return Other
	}
}

func baseType(t string) string {
	t, _, _ = strings.Cut(t, ";")
	return strings.ToLower(strings.TrimSpace(t))
}
