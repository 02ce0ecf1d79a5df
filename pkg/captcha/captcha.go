// Package captcha issues single-use, TTL-bounded verification challenges.
// The broker interface is deliberately small (spec.md §9 flags CAPTCHA
// difficulty as pluggable); the default implementation renders a short
// alphanumeric code as a PNG data URI, mirroring the original's
// ImageCaptcha usage without depending on an image-captcha library that no
// pack repo carries.
package captcha

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

type entry struct {
	answer  string
	expires time.Time
}

// Broker holds the ephemeral single-use captcha table.
type Broker struct {
	mu     sync.Mutex
	table  map[string]entry
	ttl    time.Duration
	bypass bool
}

// New builds a Broker. When bypass is true, Verify always succeeds
// (Config.BypassCaptcha, for test/dev environments).
func New(ttl time.Duration, bypass bool) *Broker {
	return &Broker{table: make(map[string]entry), ttl: ttl, bypass: bypass}
}

// Issue creates a new challenge, returning its id and a PNG data URI.
func (b *Broker) Issue() (id string, imageDataURI string, err error) {
	b.cleanExpired()

	code, err := randomCode(6)
	if err != nil {
		return "", "", err
	}
	img := renderCode(code)
	buf := &bytes.Buffer{}
	if err := png.Encode(buf, img); err != nil {
		return "", "", fmt.Errorf("captcha: encode: %w", err)
	}
	dataURI := "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf.Bytes())

	raw := code + uuid.NewString()
	sum := sha256.Sum256([]byte(raw))
	id = fmt.Sprintf("%x", sum)

	b.mu.Lock()
	b.table[id] = entry{answer: code, expires: time.Now().Add(b.ttl)}
	b.mu.Unlock()

	return id, dataURI, nil
}

// Verify atomically consumes the entry for id: a correct answer before
// expiry returns true; any other outcome (unknown id, wrong answer,
// expired) returns false. Either way the entry is removed (single-use).
func (b *Broker) Verify(id, answer string) bool {
	if b.bypass {
		return true
	}

	b.mu.Lock()
	e, ok := b.table[id]
	delete(b.table, id)
	b.mu.Unlock()

	if !ok {
		return false
	}
	if time.Now().After(e.expires) {
		return false
	}
	return strings.EqualFold(strings.TrimSpace(answer), e.answer)
}

func (b *Broker) cleanExpired() {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, e := range b.table {
		if now.After(e.expires) {
			delete(b.table, id)
		}
	}
}

func randomCode(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, n)
	for i, bb := range buf {
		out[i] = alphabet[int(bb)%len(alphabet)]
	}
	return string(out), nil
}

// renderCode draws a trivial noisy bitmap of the code text. It is not
// meant to defeat OCR attackers — spec.md treats CaptchaBroker as
// pluggable so a stronger scheme can be dropped in later.
func renderCode(code string) image.Image {
	const w, h = 160, 60
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	bg := color.RGBA{240, 240, 245, 255}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, bg)
		}
	}
	fg := color.RGBA{40, 40, 60, 255}
	seed := seedFromCode(code)
	cellW := w / len(code)
	for i, ch := range code {
		cx := i*cellW + cellW/2
		cy := h/2 + int(seed[i%len(seed)]%10) - 5
		drawGlyph(img, cx, cy, byte(ch), fg)
	}
	return img
}

func seedFromCode(code string) []byte {
	sum := sha256.Sum256([]byte(code))
	return sum[:]
}

// drawGlyph paints a small filled block standing in for a character; a
// real deployment would render actual font glyphs, but a block grid is
// enough to exercise the image pipeline without a font dependency.
func drawGlyph(img *image.RGBA, cx, cy int, ch byte, c color.RGBA) {
	size := 14
	bits := binary.BigEndian.Uint16([]byte{ch, ch})
	for dy := -size / 2; dy < size/2; dy++ {
		for dx := -size / 2; dx < size/2; dx++ {
			if (bits>>uint((dx+dy)%16))&1 == 1 {
				x, y := cx+dx, cy+dy
				if x >= 0 && y >= 0 && x < img.Bounds().Dx() && y < img.Bounds().Dy() {
					img.Set(x, y, c)
				}
			}
		}
	}
}
