package media

// decoders for every content type the store accepts; used by dimension
// probing and thumbnail generation
import (
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	_ "golang.org/x/image/webp"
)
