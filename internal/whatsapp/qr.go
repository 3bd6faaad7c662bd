package whatsapp

import (
	"fmt"
	"io"

	"github.com/mdp/qrterminal/v3"
	"github.com/skip2/go-qrcode"
	"github.com/vincent-petithory/dataurl"
)

// qrDataURL renders a pairing code as a PNG data URL.
func qrDataURL(code string) (string, error) {
	png, err := qrcode.Encode(code, qrcode.Medium, 256)
	if err != nil {
		return "", fmt.Errorf("failed to encode qr code: %w", err)
	}
	return dataurl.New(png, "image/png").String(), nil
}

func printQR(w io.Writer, code string) {
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}
