package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/valyala/bytebufferpool"

	"lockbox/pkg/blob"
	"lockbox/pkg/errdefs"
	"lockbox/pkg/models"
	"lockbox/pkg/pathreg"
	"lockbox/pkg/registry"
	"lockbox/pkg/store"
)

// Server bundles the sync engine components behind the HTTP surface.
type Server struct {
	st    *store.Store
	reg   *registry.Registry
	paths *pathreg.Registrar
	chain *blob.Chain
}

func NewServer(st *store.Store, reg *registry.Registry, paths *pathreg.Registrar, chain *blob.Chain) *Server {
	return &Server{st: st, reg: reg, paths: paths, chain: chain}
}

// Register wires all routes onto the provided router.
func (s *Server) Register(r *mux.Router) {
	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)

	r.HandleFunc("/v1/users", s.registerUser).Methods(http.MethodPost)
	r.HandleFunc("/v1/users/keys", s.associateKey).Methods(http.MethodPost)
	r.HandleFunc("/v1/devices", s.registerDevice).Methods(http.MethodPost)
	r.HandleFunc("/v1/topdirs", s.registerTopDir).Methods(http.MethodPost)
	r.HandleFunc("/v1/topdirs/{topdir}/paths", s.registerRelPath).Methods(http.MethodPost)

	r.HandleFunc("/v1/locks/acquire", s.acquireLock).Methods(http.MethodPost)
	r.HandleFunc("/v1/locks/release", s.releaseLock).Methods(http.MethodPost)

	r.HandleFunc("/v1/topdirs/{topdir}/paths/{relpath}/data", s.upload).Methods(http.MethodPut)
	r.HandleFunc("/v1/topdirs/{topdir}/paths/{relpath}/data", s.download).Methods(http.MethodGet)
	r.HandleFunc("/v1/topdirs/{topdir}/paths/{relpath}/history", s.history).Methods(http.MethodGet)

	r.HandleFunc("/v1/devices/{device}/updates", s.pollUpdates).Methods(http.MethodGet)
}

// validIdent rejects identifiers that would collide with the store key
// join or the list/tuple delimiters.
func validIdent(s string) bool {
	return s != "" && !strings.ContainsAny(s, ",_:")
}

// pathVars extracts and validates the topdir/relpath route variables.
func pathVars(r *http.Request) (topDir, relPath string, ok bool) {
	vars := mux.Vars(r)
	topDir, relPath = vars["topdir"], vars["relpath"]
	return topDir, relPath, validIdent(topDir) && validIdent(relPath)
}

func writeErr(w http.ResponseWriter, code int, msg string) {
	http.Error(w, `{"error":"`+msg+`"}`, code)
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) registerUser(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !validIdent(req.Email) {
		writeErr(w, http.StatusBadRequest, "invalid email")
		return
	}
	uid, err := s.reg.RegisterUser(req.Email)
	if errors.Is(err, errdefs.ErrAlreadyExists) {
		writeErr(w, http.StatusConflict, "already registered")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]uint64{"user_id": uid})
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !validIdent(req.Email) {
		writeErr(w, http.StatusBadRequest, "invalid email")
		return
	}
	did, err := s.reg.RegisterDevice(req.Email)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]uint64{"device_id": did})
}

func (s *Server) registerTopDir(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !validIdent(req.Email) {
		writeErr(w, http.StatusBadRequest, "invalid email")
		return
	}
	tid, err := s.reg.RegisterTopDir(req.Email)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]uint64{"top_dir_id": tid})
}

func (s *Server) registerRelPath(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	topDir := mux.Vars(r)["topdir"]
	if !validIdent(topDir) {
		writeErr(w, http.StatusBadRequest, "invalid top dir")
		return
	}
	id, err := s.paths.AllocateRelPathID(topDir)
	if errors.Is(err, errdefs.ErrExhausted) {
		writeErr(w, http.StatusServiceUnavailable, "relpath id space exhausted")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"rel_path_id": id})
}

func (s *Server) associateKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req struct {
		Email     string `json:"email"`
		PublicKey string `json:"public_key"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !validIdent(req.Email) || req.PublicKey == "" {
		writeErr(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := s.reg.AssociateKey(req.Email, req.PublicKey); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]bool{"associated": true})
}

type lockRequest struct {
	TopDir  string `json:"top_dir"`
	RelPath string `json:"rel_path"`
	Email   string `json:"email"`
}

func (s *Server) acquireLock(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !validIdent(req.TopDir) || !validIdent(req.RelPath) || !validIdent(req.Email) {
		writeErr(w, http.StatusBadRequest, "invalid request")
		return
	}
	status, err := s.paths.AcquireLock(req.TopDir, req.RelPath, req.Email)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(status)
}

func (s *Server) releaseLock(w http.ResponseWriter, r *http.Request) {
	var req lockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !validIdent(req.TopDir) || !validIdent(req.RelPath) {
		writeErr(w, http.StatusBadRequest, "invalid request")
		return
	}
	if err := s.paths.ReleaseLock(req.TopDir, req.RelPath); err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) upload(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	topDir, relPath, ok := pathVars(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid path")
		return
	}

	// Stage the payload in a pooled buffer; Upload copies what it keeps.
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)
	if _, err := io.Copy(bb, r.Body); err != nil {
		writeErr(w, http.StatusBadRequest, "read body failed")
		return
	}
	n, err := s.chain.Upload(topDir, relPath, bb.B)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]int{"bytes_written": n})
}

func (s *Server) download(w http.ResponseWriter, r *http.Request) {
	topDir, relPath, ok := pathVars(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid path")
		return
	}
	version := r.URL.Query().Get("version")
	data, digest, err := s.chain.Download(topDir, relPath, version)
	if errors.Is(err, errdefs.ErrNotFound) {
		writeErr(w, http.StatusNotFound, "version not found")
		return
	}
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("X-Lockbox-Digest", digest)
	_, _ = w.Write(data)
}

func (s *Server) history(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	topDir, relPath, ok := pathVars(r)
	if !ok {
		writeErr(w, http.StatusBadRequest, "invalid path")
		return
	}
	versions, err := s.chain.History(topDir, relPath)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	_ = json.NewEncoder(w).Encode(map[string][]string{"versions": versions})
}

// pollUpdates returns the device's mailbox. Consumption and
// acknowledgement are client concerns; the mailbox is append-only here.
func (s *Server) pollUpdates(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	device := mux.Vars(r)["device"]
	raw, ok, err := s.st.Get(store.NSDeviceSync, "", device)
	if err != nil {
		writeErr(w, http.StatusInternalServerError, err.Error())
		return
	}
	updates := []models.Update{}
	if ok && raw != "" {
		for _, entry := range strings.Split(raw, store.ListSep) {
			u, err := models.ParseUpdateKey(entry)
			if err != nil {
				continue
			}
			updates = append(updates, u)
		}
	}
	_ = json.NewEncoder(w).Encode(map[string][]models.Update{"updates": updates})
}
