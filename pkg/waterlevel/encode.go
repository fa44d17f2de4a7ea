package waterlevel

import (
	"encoding/base64"
	"errors"
	"fmt"

	"gocv.io/x/gocv"
)

// DefaultJPEGQuality is used when no quality is configured.
const DefaultJPEGQuality = 80

// ErrEncode is returned when a frame cannot be turned into a JPEG.
var ErrEncode = errors.New("encode frame")

// EncodeJPEG compresses img and returns the base64 text carried in frame
// messages.
func EncodeJPEG(img gocv.Mat, quality int) (string, error) {
	if img.Empty() {
		return "", fmt.Errorf("%w: empty image", ErrEncode)
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, img, []int{gocv.IMWriteJpegQuality, quality})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEncode, err)
	}
	defer buf.Close()

	data := buf.GetBytes()
	if len(data) == 0 {
		return "", fmt.Errorf("%w: no data", ErrEncode)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}
