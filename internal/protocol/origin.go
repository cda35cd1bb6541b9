package protocol

// AllowedOrigins are the only origins accepted at handshake.
var AllowedOrigins = []string{
	"https://kelicad.com",
	"https://www.kelicad.com",
	"http://localhost:3000",
	"http://127.0.0.1:3000",
}

// IsOriginAllowed reports whether origin exactly matches an allow-listed origin.
func IsOriginAllowed(origin string) bool {
	for _, o := range AllowedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}
