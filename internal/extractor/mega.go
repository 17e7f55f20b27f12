package extractor

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/hostget/hostget/internal/pacer"
	pkghttp "github.com/hostget/hostget/pkg/http"
)

const megaAPIEndpoint = "https://g.api.mega.co.nz/cs"

// MEGA API error codes worth mapping; anything else is a generic failure.
const (
	megaErrAgain    = -3
	megaErrNotFound = -9
	megaErrBlocked  = -16
)

// maxAgainRetries bounds how often a temporarily congested API (EAGAIN) is
// retried before giving up.
const maxAgainRetries = 5

// Matches the current #!-less format, the legacy #!id!key format and folder
// links, capturing the node id and the url-safe base64 key.
var megaURLPattern = regexp.MustCompile(
	`(?i)https?://mega(?:\.co)?\.nz/(?:` +
		`(file|folder)/([0-9a-z_-]+)#([0-9a-z_-]+)` +
		`|#(F?)!([0-9a-z_-]+)!([0-9a-z_-]+))`)

// MegaExtractor resolves mega.nz share links through the public API. File
// payloads are AES-CTR encrypted; the node key is unpacked into the cipher
// key and counter IV the downloader needs.
type MegaExtractor struct {
	client *pkghttp.Client
	pacer  *pacer.Pacer
	api    string
	seq    atomic.Int64
}

// NewMegaExtractor builds the extractor. A nil pacer gets the stock tuning.
func NewMegaExtractor(client *pkghttp.Client, p *pacer.Pacer) *MegaExtractor {
	if p == nil {
		p = pacer.Default()
	}

	return &MegaExtractor{client: client, pacer: p, api: megaAPIEndpoint}
}

func (m *MegaExtractor) Name() string { return "mega" }

func (m *MegaExtractor) CanHandle(url string) bool {
	return megaURLPattern.MatchString(url)
}

type megaLink struct {
	id     string
	key    string
	folder bool
}

func parseMegaURL(url string) (*megaLink, error) {
	match := megaURLPattern.FindStringSubmatch(url)
	if match == nil {
		return nil, fmt.Errorf("%w: not a mega.nz link: %s", ErrInvalidURL, url)
	}

	if match[1] != "" {
		return &megaLink{
			id:     match[2],
			key:    match[3],
			folder: strings.EqualFold(match[1], "folder"),
		}, nil
	}

	return &megaLink{
		id:     match[5],
		key:    match[6],
		folder: match[4] != "",
	}, nil
}

type megaFileResponse struct {
	Size       int64  `json:"s"`
	Attributes string `json:"at"`
	DownloadG  string `json:"g"`
}

func (m *MegaExtractor) Extract(ctx context.Context, url, password string) ([]FileInfo, error) {
	link, err := parseMegaURL(url)
	if err != nil {
		return nil, err
	}

	if link.folder {
		folder, err := m.ExtractFolder(ctx, url, password)
		if err != nil {
			return nil, err
		}
		return folder.Files, nil
	}

	var resp megaFileResponse
	payload := map[string]any{"a": "g", "g": 1, "p": link.id}
	if err := m.apiRequest(ctx, payload, "", &resp); err != nil {
		return nil, err
	}

	nodeKey, err := unpackNodeKey(link.key)
	if err != nil {
		return nil, err
	}

	filename, err := decryptAttributes(resp.Attributes, nodeKey)
	if err != nil {
		return nil, err
	}

	key, iv := fileCipherParams(nodeKey)

	return []FileInfo{{
		URL:           url,
		Filename:      filename,
		Size:          resp.Size,
		DirectURL:     resp.DownloadG,
		ExtractorName: m.Name(),
		Encrypted:     true,
		EncryptionKey: key,
		EncryptionIV:  iv,
	}}, nil
}

type megaFolderResponse struct {
	Nodes []struct {
		Handle     string `json:"h"`
		Parent     string `json:"p"`
		Type       int    `json:"t"`
		Size       int64  `json:"s"`
		Key        string `json:"k"`
		Attributes string `json:"a"`
	} `json:"f"`
}

// ExtractFolder lists a shared folder. Every node key inside the listing is
// wrapped with the folder master key carried in the URL fragment.
func (m *MegaExtractor) ExtractFolder(ctx context.Context, url, password string) (*FolderInfo, error) {
	link, err := parseMegaURL(url)
	if err != nil {
		return nil, err
	}
	if !link.folder {
		return nil, fmt.Errorf("%w: not a folder link: %s", ErrInvalidURL, url)
	}

	masterKey, err := base64URLDecode(link.key)
	if err != nil {
		return nil, fmt.Errorf("%w: bad folder key", ErrInvalidURL)
	}

	var resp megaFolderResponse
	payload := map[string]any{"a": "f", "c": 1, "r": 1}
	if err := m.apiRequest(ctx, payload, link.id, &resp); err != nil {
		return nil, err
	}

	folder := &FolderInfo{URL: url, Name: link.id}
	for _, node := range resp.Nodes {
		if node.Type != 0 { // 0 = file, 1 = directory
			continue
		}

		// Node keys come as "<handle>:<wrapped key>".
		_, wrapped, found := strings.Cut(node.Key, ":")
		if !found {
			continue
		}

		wrappedKey, err := base64URLDecode(wrapped)
		if err != nil {
			continue
		}

		nodeKey, err := decryptKeyECB(wrappedKey, masterKey)
		if err != nil {
			continue
		}

		filename, err := decryptAttributes(node.Attributes, nodeKey)
		if err != nil {
			continue
		}

		// Folder listings carry no download URL; each file node needs its
		// own "g" request issued in the folder's context.
		var dl megaFileResponse
		payload := map[string]any{"a": "g", "g": 1, "n": node.Handle}
		if err := m.apiRequest(ctx, payload, link.id, &dl); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		key, iv := fileCipherParams(nodeKey)

		folder.Files = append(folder.Files, FileInfo{
			URL:           fmt.Sprintf("https://mega.nz/file/%s#%s", node.Handle, base64URLEncode(nodeKey)),
			Filename:      filename,
			Size:          node.Size,
			DirectURL:     dl.DownloadG,
			ParentFolder:  folder.Name,
			ExtractorName: m.Name(),
			Encrypted:     true,
			EncryptionKey: key,
			EncryptionIV:  iv,
		})
	}

	return folder, nil
}

// apiRequest posts a single command to the MEGA API. Responses are either a
// one-element result array or a bare negative error code. EAGAIN responses
// are retried with paced backoff.
func (m *MegaExtractor) apiRequest(ctx context.Context, payload map[string]any, folderNode string, out any) error {
	defer m.pacer.Reset()

	for {
		err := m.apiRequestOnce(ctx, payload, folderNode, out)
		if err == nil || !errors.Is(err, errMegaAgain) {
			return err
		}

		if m.pacer.Attempts() >= maxAgainRetries {
			return fmt.Errorf("mega: API still congested after %d retries", maxAgainRetries)
		}
		if err := m.pacer.Sleep(ctx); err != nil {
			return err
		}
	}
}

func (m *MegaExtractor) apiRequestOnce(ctx context.Context, payload map[string]any, folderNode string, out any) error {
	endpoint := fmt.Sprintf("%s?id=%d", m.api, m.seq.Add(1))
	if folderNode != "" {
		endpoint += "&n=" + folderNode
	}

	var raw json.RawMessage
	if err := m.client.PostJSON(ctx, endpoint, []any{payload}, &raw); err != nil {
		return err
	}

	var code int
	if err := json.Unmarshal(raw, &code); err == nil {
		return megaAPIError(code)
	}

	var results []json.RawMessage
	if err := json.Unmarshal(raw, &results); err != nil || len(results) == 0 {
		return fmt.Errorf("mega: malformed API response")
	}

	if err := json.Unmarshal(results[0], &code); err == nil {
		return megaAPIError(code)
	}

	return json.Unmarshal(results[0], out)
}

var errMegaAgain = errors.New("mega: API asked to retry")

func megaAPIError(code int) error {
	switch code {
	case megaErrAgain:
		return errMegaAgain
	case megaErrNotFound, megaErrBlocked:
		return fmt.Errorf("%w: mega error %d", ErrNotFound, code)
	default:
		return fmt.Errorf("mega: API error %d", code)
	}
}

// unpackNodeKey decodes the url-safe base64 node key from a file link.
// File keys are 32 bytes: the low 16 XOR the high 16 give the cipher key,
// bytes 16..24 seed the CTR counter.
func unpackNodeKey(encoded string) ([]byte, error) {
	key, err := base64URLDecode(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: bad node key", ErrInvalidURL)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: node key must be 32 bytes, got %d", ErrInvalidURL, len(key))
	}
	return key, nil
}

// fileCipherParams derives the AES-CTR key and 16-byte IV from a 32-byte
// node key.
func fileCipherParams(nodeKey []byte) (key, iv []byte) {
	key = make([]byte, 16)
	for i := range key {
		key[i] = nodeKey[i] ^ nodeKey[i+16]
	}

	iv = make([]byte, 16)
	copy(iv, nodeKey[16:24])
	return key, iv
}

// decryptKeyECB unwraps a folder node key with the folder master key,
// AES-ECB one block at a time.
func decryptKeyECB(wrapped, masterKey []byte) ([]byte, error) {
	if len(masterKey) != 16 {
		return nil, fmt.Errorf("mega: master key must be 16 bytes")
	}
	if len(wrapped) == 0 || len(wrapped)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("mega: wrapped key not block aligned")
	}

	block, err := aes.NewCipher(masterKey)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(wrapped))
	for i := 0; i < len(wrapped); i += aes.BlockSize {
		block.Decrypt(out[i:i+aes.BlockSize], wrapped[i:i+aes.BlockSize])
	}
	return out, nil
}

// decryptAttributes decodes the encrypted attribute blob and pulls out the
// filename. Attributes are AES-CBC with a zero IV and a literal MEGA prefix.
func decryptAttributes(encoded string, nodeKey []byte) (string, error) {
	data, err := base64URLDecode(encoded)
	if err != nil {
		return "", fmt.Errorf("mega: bad attribute encoding: %w", err)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("mega: attribute blob not block aligned")
	}

	key := nodeKey
	if len(nodeKey) == 32 {
		key, _ = fileCipherParams(nodeKey)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}

	plain := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, make([]byte, aes.BlockSize)).CryptBlocks(plain, data)

	if !strings.HasPrefix(string(plain), "MEGA") {
		return "", fmt.Errorf("mega: attribute decryption failed")
	}

	plain = []byte(strings.TrimRight(strings.TrimPrefix(string(plain), "MEGA"), "\x00"))

	var attrs struct {
		Name string `json:"n"`
	}
	if err := json.Unmarshal(plain, &attrs); err != nil {
		return "", fmt.Errorf("mega: malformed attributes: %w", err)
	}
	if attrs.Name == "" {
		return "", fmt.Errorf("mega: attributes missing filename")
	}
	return attrs.Name, nil
}

func base64URLDecode(s string) ([]byte, error) {
	s = strings.ReplaceAll(strings.ReplaceAll(s, "-", "+"), "_", "/")
	return base64.StdEncoding.WithPadding(base64.NoPadding).DecodeString(strings.TrimRight(s, "="))
}

func base64URLEncode(b []byte) string {
	s := base64.StdEncoding.WithPadding(base64.NoPadding).EncodeToString(b)
	return strings.ReplaceAll(strings.ReplaceAll(s, "+", "-"), "/", "_")
}

// a32 helpers kept for interop with MEGA's word-oriented key format.

func bytesToA32(b []byte) []uint32 {
	out := make([]uint32, (len(b)+3)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out[i/4] = binary.BigEndian.Uint32(b[i : i+4])
	}
	return out
}

func a32ToBytes(a []uint32) []byte {
	out := make([]byte, len(a)*4)
	for i, v := range a {
		binary.BigEndian.PutUint32(out[i*4:], v)
	}
	return out
}
