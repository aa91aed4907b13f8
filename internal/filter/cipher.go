package filter

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

// AES-256-CBC, block-aligned per spec §4.C. The key and IV are both
// derived from the subkey passphrase via PBKDF2 over a random salt that is
// written as a header so a decrypting reader can reproduce them.
const (
	cipherKeyLen  = 32 // AES-256
	cipherIVLen   = 16
	cipherSaltLen = 16
	pbkdf2Iters   = 100_000
)

func deriveKeyIV(pass string, salt []byte) (key, iv []byte) {
	material := pbkdf2.Key([]byte(pass), salt, pbkdf2Iters, cipherKeyLen+cipherIVLen, sha256.New)
	return material[:cipherKeyLen], material[cipherKeyLen:]
}

// CipherWriter encrypts the byte stream with AES-256-CBC, buffering a
// partial block across Write calls and PKCS7-padding the final block on
// Close. It is single-pass and not restartable, per spec §4.C.
type CipherWriter struct {
	next io.Writer
	enc  cipher.BlockMode
	buf  []byte
}

// NewCipherWriter wraps next with an AES-256-CBC encrypting stage, keyed
// from pass via PBKDF2 over a freshly generated salt. The salt is written
// to next as a header before any ciphertext.
func NewCipherWriter(next io.Writer, pass string) (Stage, error) {
	salt := make([]byte, cipherSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("filter: generate cipher salt: %w", err)
	}
	if _, err := next.Write(salt); err != nil {
		return nil, fmt.Errorf("filter: write cipher salt header: %w", err)
	}

	key, iv := deriveKeyIV(pass, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("filter: aes cipher: %w", err)
	}

	return &CipherWriter{next: next, enc: cipher.NewCBCEncrypter(block, iv)}, nil
}

func (c *CipherWriter) Write(b []byte) (int, error) {
	total := len(b)
	c.buf = append(c.buf, b...)

	n := len(c.buf) - (len(c.buf) % aes.BlockSize)
	if n > 0 {
		out := make([]byte, n)
		c.enc.CryptBlocks(out, c.buf[:n])
		if _, err := c.next.Write(out); err != nil {
			return 0, fmt.Errorf("filter: write ciphertext: %w", err)
		}
		c.buf = c.buf[n:]
	}
	return total, nil
}

func (c *CipherWriter) Close() error {
	padded := pkcs7Pad(c.buf, aes.BlockSize)
	out := make([]byte, len(padded))
	c.enc.CryptBlocks(out, padded)
	if _, err := c.next.Write(out); err != nil {
		return fmt.Errorf("filter: write final ciphertext block: %w", err)
	}
	c.buf = nil
	return nil
}

func (c *CipherWriter) Name() string { return "" }
func (c *CipherWriter) Result() any  { return nil }

func pkcs7Pad(b []byte, blockSize int) []byte {
	padLen := blockSize - (len(b) % blockSize)
	padded := make([]byte, len(b)+padLen)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(padLen)
	}
	return padded
}

func pkcs7Unpad(b []byte) ([]byte, error) {
	if len(b) == 0 || len(b)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("filter: ciphertext not block-aligned")
	}
	padLen := int(b[len(b)-1])
	if padLen == 0 || padLen > aes.BlockSize || padLen > len(b) {
		return nil, fmt.Errorf("filter: invalid PKCS7 padding")
	}
	if !bytes.Equal(b[len(b)-padLen:], bytes.Repeat([]byte{byte(padLen)}, padLen)) {
		return nil, fmt.Errorf("filter: invalid PKCS7 padding bytes")
	}
	return b[:len(b)-padLen], nil
}

// cipherReader decrypts a stream produced by CipherWriter: reads the salt
// header, derives the same key/IV, then decrypts block-by-block, unpadding
// the final block only once the source is exhausted.
type cipherReader struct {
	src io.Reader
	dec cipher.BlockMode
	buf bytes.Buffer
	eof bool
}

// NewDecipherReader wraps src (a CipherWriter-produced stream) with an
// AES-256-CBC decrypting reader keyed from pass.
func NewDecipherReader(src io.Reader, pass string) (io.Reader, error) {
	salt := make([]byte, cipherSaltLen)
	if _, err := io.ReadFull(src, salt); err != nil {
		return nil, fmt.Errorf("filter: read cipher salt header: %w", err)
	}
	key, iv := deriveKeyIV(pass, salt)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("filter: aes cipher: %w", err)
	}
	return &cipherReader{src: src, dec: cipher.NewCBCDecrypter(block, iv)}, nil
}

func (r *cipherReader) Read(p []byte) (int, error) {
	for !r.eof && r.buf.Len() <= aes.BlockSize {
		chunk := make([]byte, 4096)
		n, err := r.src.Read(chunk)
		if n > 0 {
			out := make([]byte, n-(n%aes.BlockSize))
			full := chunk[:len(out)]
			r.dec.CryptBlocks(out, full)
			r.buf.Write(out)
			// a chunk that ends mid-block is rejected, not carried over to the next read
			if rem := n % aes.BlockSize; rem != 0 {
				return 0, fmt.Errorf("filter: ciphertext chunk not block-aligned")
			}
		}
		if err == io.EOF {
			r.eof = true
			unpadded, uerr := pkcs7Unpad(r.buf.Bytes())
			if uerr != nil {
				return 0, uerr
			}
			r.buf.Reset()
			r.buf.Write(unpadded)
			continue
		}
		if err != nil {
			return 0, fmt.Errorf("filter: read ciphertext: %w", err)
		}
	}
	if r.eof {
		if r.buf.Len() == 0 {
			return 0, io.EOF
		}
		return r.buf.Read(p)
	}
	// hold back the last block until EOF: it may carry the PKCS7 padding
	if avail := r.buf.Len() - aes.BlockSize; len(p) > avail {
		p = p[:avail]
	}
	return r.buf.Read(p)
}
