package smarthttp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"lab.nexedi.com/kirr/wit/internal/metrics"
	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/pack"
	"lab.nexedi.com/kirr/wit/internal/pktline"
	"lab.nexedi.com/kirr/wit/internal/refs"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// ClientOptions is the option struct every client call takes, generalizing
// git.go:RunWith's "explicit struct instead of ambient state" shape to an
// HTTP transport: a remote's base URL and the *http.Client to carry it
// over (nil selects http.DefaultClient, matching RunWith's own
// zero-value-means-default conventions for stdout/stderr redirects).
type ClientOptions struct {
	BaseURL string
	Client  *http.Client
}

func (o ClientOptions) httpClient() *http.Client {
	if o.Client != nil {
		return o.Client
	}
	return http.DefaultClient
}

// Advertisement is the parsed result of an info/refs discovery request.
type Advertisement struct {
	Refs         []refs.Ref
	Capabilities []string
}

// DiscoverRefs performs GET info/refs?service=<service> and parses the
// ref advertisement (spec.md §4.6 "Discovery").
func DiscoverRefs(opts ClientOptions, service string) (*Advertisement, error) {
	url := fmt.Sprintf("%s/info/refs?service=%s", strings.TrimRight(opts.BaseURL, "/"), service)
	resp, err := opts.httpClient().Get(url)
	if err != nil {
		return nil, werr.Wrap(werr.NetworkError, err, "smarthttp: GET %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, werr.New(werr.ServerRejected, "smarthttp: GET %s: status %d", url, resp.StatusCode)
	}

	br := bufio.NewReader(resp.Body)
	serviceLine, err := pktline.Read(br)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(string(serviceLine), "# service=") {
		return nil, werr.New(werr.ProtocolError, "smarthttp: unexpected service line %q", serviceLine)
	}
	if _, err := pktline.Read(br); err != nil { // flush after service line
		return nil, err
	}

	lines, err := pktline.ReadAll(br)
	if err != nil {
		return nil, err
	}

	ad := &Advertisement{}
	for i, line := range lines {
		text := string(line)
		if i == 0 {
			if idx := strings.IndexByte(text, 0); idx >= 0 {
				ad.Capabilities = strings.Fields(text[idx+1:])
				text = text[:idx]
			}
		}
		fields := strings.Fields(text)
		if len(fields) != 2 {
			continue
		}
		if fields[0] == ZeroHashHex && fields[1] == "capabilities^{}" {
			continue // empty-repo marker, no real ref
		}
		h, err := objstore.ParseHash(fields[0])
		if err != nil {
			return nil, err
		}
		ad.Refs = append(ad.Refs, refs.Ref{Name: fields[1], Hash: h})
	}
	return ad, nil
}

// Fetch negotiates and downloads the object closure for wants not already
// covered by haves, writing every received object into store (spec.md
// §4.6 "Fetch").
func Fetch(opts ClientOptions, wants, haves []objstore.Hash, store *objstore.Store) ([]objstore.Hash, error) {
	var body bytes.Buffer
	for i, w := range wants {
		line := fmt.Sprintf("want %s", w)
		if i == 0 {
			line += " " + strings.Join(UploadCapabilities, " ")
		}
		body.Write(pktline.EncodeString(line + "\n"))
	}
	body.Write(pktline.Flush())
	for _, h := range haves {
		body.Write(pktline.EncodeString(fmt.Sprintf("have %s\n", h)))
	}
	body.Write(pktline.EncodeString("done\n"))

	url := fmt.Sprintf("%s/%s", strings.TrimRight(opts.BaseURL, "/"), ServiceUploadPack)
	resp, err := opts.httpClient().Post(url, ContentTypeUploadPackRequest, &body)
	if err != nil {
		return nil, werr.Wrap(werr.NetworkError, err, "smarthttp: POST %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, werr.New(werr.ServerRejected, "smarthttp: POST %s: status %d", url, resp.StatusCode)
	}

	br := bufio.NewReader(resp.Body)
	ackLine, err := pktline.Read(br)
	if err != nil {
		return nil, err
	}
	if !strings.HasPrefix(string(ackLine), "NAK") && !strings.HasPrefix(string(ackLine), "ACK") {
		return nil, werr.New(werr.ProtocolError, "smarthttp: unexpected negotiation line %q", ackLine)
	}

	packReader, demuxErr := demuxSideBand(br)
	if demuxErr != nil {
		return nil, demuxErr
	}
	return pack.ReadPack(packReader, store)
}

// demuxSideBand peeks whether the remaining stream is side-band framed
// (pkt-line chunks prefixed with a band byte) or a raw pack, and returns
// a reader yielding the plain pack bytes either way. Since this client
// always advertises side-band-64k, a conforming server always responds
// framed; the raw fallback exists for resilience against a server that
// ignores the capability, matching the teacher's general defensiveness
// around subprocess output it doesn't fully control.
func demuxSideBand(br *bufio.Reader) (io.Reader, error) {
	peek, err := br.Peek(4)
	if err != nil && err != io.EOF {
		return nil, werr.Wrap(werr.ProtocolError, err, "smarthttp: peek pack stream")
	}
	if len(peek) == 4 && isHexDigits(peek) {
		pr, pw := io.Pipe()
		go func() {
			for {
				line, err := pktline.Read(br)
				if err != nil {
					pw.CloseWithError(err)
					return
				}
				if line == nil {
					pw.Close()
					return
				}
				band, data := line[0], line[1:]
				switch band {
				case BandData:
					if _, err := pw.Write(data); err != nil {
						pw.CloseWithError(err)
						return
					}
				case BandFatal:
					pw.CloseWithError(werr.New(werr.ServerRejected, "smarthttp: remote: %s", data))
					return
				}
			}
		}()
		return pr, nil
	}
	return br, nil
}

func isHexDigits(b []byte) bool {
	for _, c := range b {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f')) {
			return false
		}
	}
	return true
}

// Push uploads updates and the object closure they need to opts.BaseURL
// (spec.md §4.6 "Push"). force is carried as the "force" capability on
// the wire (see server.go's ReceivePack doc comment for why).
func Push(opts ClientOptions, objects *objstore.Store, updates []RefUpdate, force bool) (map[string]error, error) {
	var body bytes.Buffer
	caps := []string{CapReportStatus, CapDeleteRefs, CapOfsDelta, CapAtomic}
	if force {
		caps = append(caps, "force")
	}
	for i, u := range updates {
		line := fmt.Sprintf("%s %s %s", u.Old, u.New, u.Name)
		if i == 0 {
			line += "\x00" + strings.Join(caps, " ")
		}
		body.Write(pktline.EncodeString(line + "\n"))
	}
	body.Write(pktline.Flush())

	if len(updates) > 0 {
		var tips []objstore.Hash
		for _, u := range updates {
			if !u.New.IsZero() {
				tips = append(tips, u.New)
			}
		}
		var haves []objstore.Hash
		for _, u := range updates {
			if !u.Old.IsZero() {
				haves = append(haves, u.Old)
			}
		}
		toSend, err := pack.ObjectsToSend(objects, tips, haves)
		if err != nil {
			return nil, err
		}
		elements := toSend.Elements()
		if err := pack.WritePack(&body, objects, elements); err != nil {
			return nil, err
		}
		metrics.PackObjectsTotal.Add(float64(len(elements)))
	}
	metrics.PushBytesTotal.Add(float64(body.Len()))

	url := fmt.Sprintf("%s/%s", strings.TrimRight(opts.BaseURL, "/"), ServiceReceivePack)
	resp, err := opts.httpClient().Post(url, ContentTypeReceivePackRequest, &body)
	if err != nil {
		return nil, werr.Wrap(werr.NetworkError, err, "smarthttp: POST %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, werr.New(werr.ServerRejected, "smarthttp: POST %s: status %d", url, resp.StatusCode)
	}

	br := bufio.NewReader(resp.Body)
	lines, err := pktline.ReadAll(br)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 || !strings.HasPrefix(string(lines[0]), "unpack ok") {
		return nil, werr.New(werr.ServerRejected, "smarthttp: unpack failed: %s", firstLineOr(lines, "<no response>"))
	}

	results := make(map[string]error, len(updates))
	for _, line := range lines[1:] {
		fields := strings.Fields(string(line))
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "ok":
			results[fields[1]] = nil
		case "ng":
			reason := "rejected"
			if len(fields) > 2 {
				reason = strings.Join(fields[2:], " ")
			}
			results[fields[1]] = werr.New(werr.ServerRejected, "smarthttp: %s: %s", fields[1], reason)
		}
	}
	return results, nil
}

func firstLineOr(lines [][]byte, fallback string) string {
	if len(lines) == 0 {
		return fallback
	}
	return string(lines[0])
}
