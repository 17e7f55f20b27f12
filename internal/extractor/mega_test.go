package extractor

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/hostget/hostget/internal/pacer"
	pkghttp "github.com/hostget/hostget/pkg/http"
)

func TestParseMegaURL(t *testing.T) {
	tests := []struct {
		url    string
		id     string
		key    string
		folder bool
		ok     bool
	}{
		{"https://mega.nz/file/AbCd1234#KeY_-material", "AbCd1234", "KeY_-material", false, true},
		{"https://mega.nz/folder/XyZ98765#FolderKey123", "XyZ98765", "FolderKey123", true, true},
		{"https://mega.co.nz/file/AbCd1234#KeY123", "AbCd1234", "KeY123", false, true},
		{"https://mega.nz/#!legacyid!legacykey", "legacyid", "legacykey", false, true},
		{"https://mega.nz/#F!folderid!folderkey", "folderid", "folderkey", true, true},
		{"https://example.com/file/abc#def", "", "", false, false},
		{"https://mega.nz/about", "", "", false, false},
	}

	for _, tt := range tests {
		link, err := parseMegaURL(tt.url)
		if !tt.ok {
			if err == nil {
				t.Errorf("parseMegaURL(%q) should fail", tt.url)
			}
			continue
		}

		if err != nil {
			t.Errorf("parseMegaURL(%q): %v", tt.url, err)
			continue
		}
		if link.id != tt.id || link.key != tt.key || link.folder != tt.folder {
			t.Errorf("parseMegaURL(%q) = %+v, want id=%s key=%s folder=%t",
				tt.url, link, tt.id, tt.key, tt.folder)
		}
	}
}

func TestFileCipherParams(t *testing.T) {
	nodeKey := make([]byte, 32)
	for i := range nodeKey {
		nodeKey[i] = byte(i)
	}

	key, iv := fileCipherParams(nodeKey)

	if len(key) != 16 || len(iv) != 16 {
		t.Fatalf("key/iv lengths = %d/%d, want 16/16", len(key), len(iv))
	}

	for i := 0; i < 16; i++ {
		if key[i] != nodeKey[i]^nodeKey[i+16] {
			t.Fatalf("key[%d] not the XOR of the key halves", i)
		}
	}

	if !bytes.Equal(iv[:8], nodeKey[16:24]) {
		t.Error("IV should start with bytes 16..24 of the node key")
	}
	if !bytes.Equal(iv[8:], make([]byte, 8)) {
		t.Error("IV counter half should start at zero")
	}
}

// encryptAttrBlob builds a MEGA attribute blob: "MEGA" + JSON, zero padded,
// AES-CBC with a zero IV.
func encryptAttrBlob(t *testing.T, key []byte, name string) string {
	t.Helper()

	plain := []byte(`MEGA{"n":"` + name + `"}`)
	for len(plain)%aes.BlockSize != 0 {
		plain = append(plain, 0)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(out, plain)
	return base64URLEncode(out)
}

func TestDecryptAttributes(t *testing.T) {
	nodeKey := make([]byte, 32)
	for i := range nodeKey {
		nodeKey[i] = byte(i * 3)
	}
	attrKey, _ := fileCipherParams(nodeKey)

	encoded := encryptAttrBlob(t, attrKey, "holiday.mp4")

	// A 32-byte node key derives the attribute key internally.
	name, err := decryptAttributes(encoded, nodeKey)
	if err != nil {
		t.Fatalf("decryptAttributes: %v", err)
	}
	if name != "holiday.mp4" {
		t.Errorf("name = %q, want holiday.mp4", name)
	}

	// A 16-byte key is used as-is.
	name, err = decryptAttributes(encoded, attrKey)
	if err != nil || name != "holiday.mp4" {
		t.Errorf("16-byte key path = (%q, %v)", name, err)
	}

	if _, err := decryptAttributes(encoded, make([]byte, 16)); err == nil {
		t.Error("wrong key must not decrypt")
	}
	if _, err := decryptAttributes("!!!", nodeKey); err == nil {
		t.Error("bad encoding must fail")
	}
}

func TestDecryptKeyECBRoundTrip(t *testing.T) {
	master := bytes.Repeat([]byte{0x7E}, 16)
	nodeKey := make([]byte, 32)
	for i := range nodeKey {
		nodeKey[i] = byte(255 - i)
	}

	block, err := aes.NewCipher(master)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}

	wrapped := make([]byte, len(nodeKey))
	for i := 0; i < len(nodeKey); i += aes.BlockSize {
		block.Encrypt(wrapped[i:i+aes.BlockSize], nodeKey[i:i+aes.BlockSize])
	}

	got, err := decryptKeyECB(wrapped, master)
	if err != nil {
		t.Fatalf("decryptKeyECB: %v", err)
	}
	if !bytes.Equal(got, nodeKey) {
		t.Error("round trip did not recover the node key")
	}
}

func TestA32RoundTrip(t *testing.T) {
	words := []uint32{0x01020304, 0xDEADBEEF, 0, 0xFFFFFFFF}

	b := a32ToBytes(words)
	if len(b) != 16 {
		t.Fatalf("len = %d, want 16", len(b))
	}

	got := bytesToA32(b)
	for i, w := range words {
		if got[i] != w {
			t.Errorf("word %d = %08x, want %08x", i, got[i], w)
		}
	}
}

func testMega(t *testing.T, handler http.HandlerFunc) *MegaExtractor {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	m := NewMegaExtractor(pkghttp.NewClient(pkghttp.Config{RequestsPerSecond: 1000}), pacer.New(1, 2, 1, 0.1))
	m.api = server.URL
	return m
}

func TestMegaExtractFile(t *testing.T) {
	nodeKey := make([]byte, 32)
	for i := range nodeKey {
		nodeKey[i] = byte(i * 5)
	}
	attrKey, _ := fileCipherParams(nodeKey)

	m := testMega(t, func(w http.ResponseWriter, r *http.Request) {
		var cmds []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil || len(cmds) != 1 {
			t.Errorf("malformed API request: %v", err)
		}
		if cmds[0]["a"] != "g" {
			t.Errorf("command = %v, want g", cmds[0]["a"])
		}

		fmt.Fprintf(w, `[{"s": 123456, "at": %q, "g": "https://dl.example/stream"}]`,
			encryptAttrBlob(t, attrKey, "vacation.mkv"))
	})

	url := "https://mega.nz/file/AbCd1234#" + base64URLEncode(nodeKey)

	files, err := m.Extract(context.Background(), url, "")
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	if len(files) != 1 {
		t.Fatalf("len(files) = %d, want 1", len(files))
	}

	f := files[0]
	if f.Filename != "vacation.mkv" {
		t.Errorf("Filename = %q", f.Filename)
	}
	if f.Size != 123456 {
		t.Errorf("Size = %d", f.Size)
	}
	if f.DirectURL != "https://dl.example/stream" {
		t.Errorf("DirectURL = %q", f.DirectURL)
	}
	if !f.Encrypted {
		t.Error("mega payloads are always encrypted")
	}

	wantKey, wantIV := fileCipherParams(nodeKey)
	if !bytes.Equal(f.EncryptionKey, wantKey) || !bytes.Equal(f.EncryptionIV, wantIV) {
		t.Error("cipher params do not match the node key derivation")
	}
}

func TestMegaExtractNotFound(t *testing.T) {
	m := testMega(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("-9"))
	})

	nodeKey := make([]byte, 32)
	url := "https://mega.nz/file/AbCd1234#" + base64URLEncode(nodeKey)

	if _, err := m.Extract(context.Background(), url, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMegaExtractRetriesEagain(t *testing.T) {
	nodeKey := make([]byte, 32)
	attrKey, _ := fileCipherParams(nodeKey)

	var calls atomic.Int32
	m := testMega(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Write([]byte("-3"))
			return
		}
		fmt.Fprintf(w, `[{"s": 1, "at": %q, "g": "https://dl.example/x"}]`,
			encryptAttrBlob(t, attrKey, "f.bin"))
	})

	url := "https://mega.nz/file/AbCd1234#" + base64URLEncode(nodeKey)

	if _, err := m.Extract(context.Background(), url, ""); err != nil {
		t.Fatalf("Extract should succeed after EAGAIN retry: %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("API calls = %d, want 2", calls.Load())
	}
}

func TestMegaExtractFolder(t *testing.T) {
	masterKey := bytes.Repeat([]byte{0x42}, 16)
	nodeKey := make([]byte, 32)
	for i := range nodeKey {
		nodeKey[i] = byte(i * 11)
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		t.Fatalf("cipher: %v", err)
	}
	wrapped := make([]byte, len(nodeKey))
	for i := 0; i < len(nodeKey); i += aes.BlockSize {
		block.Encrypt(wrapped[i:i+aes.BlockSize], nodeKey[i:i+aes.BlockSize])
	}

	attrKey, _ := fileCipherParams(nodeKey)

	var gRequests atomic.Int32
	m := testMega(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("n"); got != "FoLdEr99" {
			t.Errorf("query n = %q, want the folder id", got)
		}

		var cmds []map[string]any
		if err := json.NewDecoder(r.Body).Decode(&cmds); err != nil || len(cmds) != 1 {
			t.Fatalf("malformed API request: %v", err)
		}

		switch cmds[0]["a"] {
		case "f":
			fmt.Fprintf(w, `[{"f": [
				{"h": "DirNode1", "t": 1, "k": "x:y", "a": "z"},
				{"h": "FileNode", "t": 0, "s": 4242, "k": "owner:%s", "a": %q}
			]}]`,
				base64URLEncode(wrapped),
				encryptAttrBlob(t, attrKey, "inside.bin"))
		case "g":
			gRequests.Add(1)
			if cmds[0]["n"] != "FileNode" {
				t.Errorf("g request node = %v, want FileNode", cmds[0]["n"])
			}
			fmt.Fprint(w, `[{"g": "https://dl.example/folderfile"}]`)
		default:
			t.Errorf("unexpected command %v", cmds[0]["a"])
		}
	})

	url := "https://mega.nz/folder/FoLdEr99#" + base64URLEncode(masterKey)

	folder, err := m.ExtractFolder(context.Background(), url, "")
	if err != nil {
		t.Fatalf("ExtractFolder: %v", err)
	}
	if folder.Name != "FoLdEr99" {
		t.Errorf("folder name = %q, want the folder id", folder.Name)
	}
	if len(folder.Files) != 1 {
		t.Fatalf("len(files) = %d, want 1 (directories are not files)", len(folder.Files))
	}
	if gRequests.Load() != 1 {
		t.Errorf("download-URL requests = %d, want one per file node", gRequests.Load())
	}

	f := folder.Files[0]
	if f.Filename != "inside.bin" {
		t.Errorf("Filename = %q", f.Filename)
	}
	if f.Size != 4242 {
		t.Errorf("Size = %d", f.Size)
	}
	if f.DirectURL != "https://dl.example/folderfile" {
		t.Errorf("DirectURL = %q; folder files must carry their streaming URL", f.DirectURL)
	}
	if f.ParentFolder != "FoLdEr99" {
		t.Errorf("ParentFolder = %q, want the folder id", f.ParentFolder)
	}

	wantURL := "https://mega.nz/file/FileNode#" + base64URLEncode(nodeKey)
	if f.URL != wantURL {
		t.Errorf("URL = %q, want %q", f.URL, wantURL)
	}

	wantKey, wantIV := fileCipherParams(nodeKey)
	if !bytes.Equal(f.EncryptionKey, wantKey) || !bytes.Equal(f.EncryptionIV, wantIV) {
		t.Error("cipher params do not match the unwrapped node key")
	}
}

func TestMegaBadKeyLength(t *testing.T) {
	m := testMega(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"s": 1, "at": "x", "g": "y"}]`))
	})

	url := "https://mega.nz/file/AbCd1234#" + base64URLEncode([]byte("tooshort"))

	if _, err := m.Extract(context.Background(), url, ""); !errors.Is(err, ErrInvalidURL) {
		t.Errorf("expected ErrInvalidURL for short key, got %v", err)
	}
}
