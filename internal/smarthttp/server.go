package smarthttp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"lab.nexedi.com/kirr/wit/internal/objstore"
	"lab.nexedi.com/kirr/wit/internal/pack"
	"lab.nexedi.com/kirr/wit/internal/pktline"
	"lab.nexedi.com/kirr/wit/internal/refs"
	"lab.nexedi.com/kirr/wit/internal/werr"
)

// Server answers info/refs, upload-pack and receive-pack requests against
// one repository's object store and refs store. It holds no state of its
// own beyond those two references and a logger — the same "thin wrapper,
// no hidden globals" shape as git.go:RunWith taking its subprocess
// environment as an explicit struct field rather than reading ambient
// process state.
type Server struct {
	Objects *objstore.Store
	Refs    *refs.Store
	Log     zerolog.Logger
}

func NewServer(objects *objstore.Store, refsStore *refs.Store, log zerolog.Logger) *Server {
	return &Server{Objects: objects, Refs: refsStore, Log: log}
}

// Handler wires the three endpoints into one mux, following the
// register-then-serve shape of cuemby-warren's pkg/api.HealthServer
// (mux.HandleFunc per endpoint, one *http.Server wrapping the mux).
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/info/refs", s.InfoRefs)
	mux.HandleFunc("/"+ServiceUploadPack, s.UploadPack)
	mux.HandleFunc("/"+ServiceReceivePack, s.ReceivePack)
	return mux
}

func capabilitiesFor(service string) []string {
	if service == ServiceReceivePack {
		return ReceiveCapabilities
	}
	return UploadCapabilities
}

// InfoRefs implements GET info/refs?service=wit-upload-pack|wit-receive-pack
// (spec.md §4.6 "Discovery").
func (s *Server) InfoRefs(w http.ResponseWriter, r *http.Request) {
	service := r.URL.Query().Get("service")
	if service != ServiceUploadPack && service != ServiceReceivePack {
		http.Error(w, "unknown service", http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", fmt.Sprintf("application/x-%s-advertisement", service))
	w.Write(pktline.EncodeString(fmt.Sprintf("# service=%s\n", service)))
	w.Write(pktline.Flush())

	refList, err := s.Refs.ListAll()
	if err != nil {
		s.Log.Error().Err(err).Msg("smarthttp: list refs for advertisement")
		return
	}

	caps := strings.Join(capabilitiesFor(service), " ")
	if len(refList) == 0 {
		w.Write(pktline.EncodeString(fmt.Sprintf("%s capabilities^{}\x00%s\n", ZeroHashHex, caps)))
	} else {
		for i, ref := range refList {
			line := fmt.Sprintf("%s %s", ref.Hash, ref.Name)
			if i == 0 {
				line += "\x00" + caps
			}
			w.Write(pktline.EncodeString(line + "\n"))
		}
	}
	w.Write(pktline.Flush())
}

// UploadPack implements POST git-upload-pack (spec.md §4.6 "Fetch").
func (s *Server) UploadPack(w http.ResponseWriter, r *http.Request) {
	br := bufio.NewReader(r.Body)

	var wantHashes []objstore.Hash
	sideband := false
	first := true
	for {
		line, err := pktline.Read(br)
		if err != nil {
			httpProtocolError(w, err)
			return
		}
		if line == nil {
			break
		}
		fields := strings.Fields(string(line))
		if len(fields) < 2 || fields[0] != "want" {
			httpProtocolError(w, werr.New(werr.ProtocolError, "upload-pack: expected want line, got %q", line))
			return
		}
		h, err := objstore.ParseHash(fields[1])
		if err != nil {
			httpProtocolError(w, err)
			return
		}
		wantHashes = append(wantHashes, h)
		if first {
			for _, c := range fields[2:] {
				if c == CapSideBand64k {
					sideband = true
				}
			}
			first = false
		}
	}

	var haveHashes []objstore.Hash
	for {
		line, err := pktline.Read(br)
		if err != nil {
			httpProtocolError(w, err)
			return
		}
		if line == nil || string(line) == "done\n" || string(line) == "done" {
			break
		}
		fields := strings.Fields(string(line))
		if len(fields) == 2 && fields[0] == "have" {
			h, err := objstore.ParseHash(fields[1])
			if err != nil {
				httpProtocolError(w, err)
				return
			}
			haveHashes = append(haveHashes, h)
		}
	}

	toSend, err := pack.ObjectsToSend(s.Objects, wantHashes, haveHashes)
	if err != nil {
		httpProtocolError(w, err)
		return
	}

	w.Header().Set("Content-Type", ContentTypeUploadPackResult)
	w.Write(pktline.EncodeString("NAK\n"))

	var packBuf bytes.Buffer
	if err := pack.WritePack(&packBuf, s.Objects, toSend.Elements()); err != nil {
		s.Log.Error().Err(err).Msg("smarthttp: write pack")
		return
	}

	if sideband {
		writeSideBand(w, packBuf.Bytes())
		w.Write(pktline.Flush())
	} else {
		w.Write(packBuf.Bytes())
	}
}

// writeSideBand chunks data into BandData pkt-lines, each carrying the
// band byte followed by up to MaxPayload-1 bytes of pack data (spec.md
// §4.6 "multiplexed via side-band (band 1 = data, 2 = progress, 3 = fatal)").
func writeSideBand(w io.Writer, data []byte) {
	const chunk = pktline.MaxPayload - 1
	for len(data) > 0 {
		n := chunk
		if n > len(data) {
			n = len(data)
		}
		payload := append([]byte{BandData}, data[:n]...)
		w.Write(pktline.EncodeString(string(payload)))
		data = data[n:]
	}
}

// RefUpdate is one requested ref change, shared by the push client
// (which builds the list) and the receive-pack server (which applies
// it) so both sides agree on the wire shape.
type RefUpdate struct {
	Old, New objstore.Hash
	Name     string
}

// ReceivePack implements POST git-receive-pack (spec.md §4.6 "Push").
// Force is carried as an explicit capability on the first command line
// ("force") rather than inferred from old/new hashes alone — the real
// wire protocol leaves that policy to server-side configuration, but
// since this server and its one client are the same implementation, a
// capability flag is the simplest faithful way to carry the client's
// `--force`/`--force-with-lease` decision across the wire (documented in
// DESIGN.md as an intentional, self-consistent protocol choice).
func (s *Server) ReceivePack(w http.ResponseWriter, r *http.Request) {
	br := bufio.NewReader(r.Body)

	var cmds []RefUpdate
	force := false
	first := true
	for {
		line, err := pktline.Read(br)
		if err != nil {
			httpProtocolError(w, err)
			return
		}
		if line == nil {
			break
		}
		text := string(line)
		if first {
			if idx := strings.IndexByte(text, 0); idx >= 0 {
				caps := strings.Fields(text[idx+1:])
				for _, c := range caps {
					if c == "force" {
						force = true
					}
				}
				text = text[:idx]
			}
			first = false
		}
		fields := strings.Fields(text)
		if len(fields) != 3 {
			httpProtocolError(w, werr.New(werr.ProtocolError, "receive-pack: malformed update command %q", line))
			return
		}
		oldH, err1 := objstore.ParseHash(fields[0])
		newH, err2 := objstore.ParseHash(fields[1])
		if err1 != nil || err2 != nil {
			httpProtocolError(w, werr.New(werr.ProtocolError, "receive-pack: bad hash in %q", line))
			return
		}
		cmds = append(cmds, RefUpdate{Old: oldH, New: newH, Name: fields[2]})
	}

	unpackErr := error(nil)
	if len(cmds) > 0 {
		if _, err := pack.ReadPack(br, s.Objects); err != nil {
			unpackErr = err
		}
	}

	w.Header().Set("Content-Type", ContentTypeReceivePackResult)
	var resp bytes.Buffer
	if unpackErr != nil {
		resp.Write(pktline.EncodeString(fmt.Sprintf("unpack %s\n", unpackErr)))
		for _, c := range cmds {
			resp.Write(pktline.EncodeString(fmt.Sprintf("ng %s unpack-failed\n", c.Name)))
		}
	} else {
		resp.Write(pktline.EncodeString("unpack ok\n"))
		for _, c := range cmds {
			if msg := s.applyUpdate(c, force); msg != "" {
				resp.Write(pktline.EncodeString(fmt.Sprintf("ng %s %s\n", c.Name, msg)))
			} else {
				resp.Write(pktline.EncodeString(fmt.Sprintf("ok %s\n", c.Name)))
			}
		}
	}
	resp.Write(pktline.Flush())
	w.Write(resp.Bytes())
}

// applyUpdate validates and performs one ref update, returning "" on
// success or a rejection reason for the "ng" status line.
func (s *Server) applyUpdate(c RefUpdate, force bool) string {
	current, err := s.Refs.Resolve(c.Name)
	if err != nil && !werr.Is(err, werr.RefNotFound) {
		return "lookup-failed"
	}
	if current != c.Old {
		return "stale info"
	}

	if c.New.IsZero() {
		if err := s.Refs.Delete(c.Name); err != nil {
			return "delete-failed"
		}
		return ""
	}

	if !force && !c.Old.IsZero() {
		ancestors, err := pack.Reachable(s.Objects, []objstore.Hash{c.New})
		if err != nil || !ancestors.Contains(c.Old) {
			return "non-fast-forward"
		}
	}

	if c.Old.IsZero() {
		if err := s.Refs.Create(c.Name, c.New); err != nil {
			return "create-failed"
		}
		return ""
	}
	if err := s.Refs.Update(c.Name, c.New); err != nil {
		return "update-failed"
	}
	return ""
}

func httpProtocolError(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), http.StatusBadRequest)
}
