package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	"github.com/pablobfonseca/go-claim-triage/exifdata"
	"github.com/pablobfonseca/go-claim-triage/imaging"
	"github.com/pablobfonseca/go-claim-triage/models"
	"github.com/pablobfonseca/go-claim-triage/queue"
	"github.com/pablobfonseca/go-claim-triage/storage"
	"github.com/pablobfonseca/go-claim-triage/worker"
)

func (s *Server) root(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "Claim triage API"})
}

func (s *Server) healthcheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) addImage(w http.ResponseWriter, r *http.Request) {
	in, img, err := s.readDecodedImage(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	rec, err := s.lib.Add(r.Context(), img, in.Filename)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) listImages(w http.ResponseWriter, r *http.Request) {
	recs, err := s.lib.List(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"images": s.lib.Rows(r.Context(), recs)})
}

func (s *Server) getImage(w http.ResponseWriter, r *http.Request) {
	rec, err := s.lib.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteImage(w http.ResponseWriter, r *http.Request) {
	if err := s.lib.Delete(r.Context(), mux.Vars(r)["id"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type clearFailure struct {
	ID    string `json:"id"`
	Error string `json:"error"`
}

type clearResponse struct {
	Deleted  int            `json:"deleted"`
	Failed   int            `json:"failed"`
	Failures []clearFailure `json:"failures,omitempty"`
}

func (s *Server) clearLibrary(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("async") == "true" {
		s.enqueue(w, r, worker.TaskTypeClearLibrary, nil)
		return
	}

	res := s.lib.Clear(r.Context())
	if res.Err != nil && len(res.Outcomes) == 0 {
		s.writeError(w, res.Err)
		return
	}
	out := clearResponse{Deleted: res.Deleted, Failed: res.Failed}
	for _, o := range res.Outcomes {
		if o.Err != nil {
			out.Failures = append(out.Failures, clearFailure{ID: o.ID, Error: o.Err.Error()})
		}
	}
	status := http.StatusOK
	if res.Failed > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, out)
}

func (s *Server) searchLibrary(w http.ResponseWriter, r *http.Request) {
	_, img, err := s.readDecodedImage(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	threshold, err := s.threshold(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	matches, err := s.lib.Search(r.Context(), img)
	if err != nil {
		s.writeError(w, err)
		return
	}
	matches = models.CatalogMatchesAbove(matches, threshold)
	writeJSON(w, http.StatusOK, map[string]any{"results": s.lib.MatchRows(r.Context(), matches)})
}

func (s *Server) searchInternet(w http.ResponseWriter, r *http.Request) {
	if s.reverse == nil {
		s.writeError(w, errUnavailable)
		return
	}
	in, img, err := s.readDecodedImage(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	threshold, err := s.threshold(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.reverse.Search(r.Context(), img, in.Filename)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res.Results = models.ReverseCandidatesAbove(res.Results, threshold)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) exifData(w http.ResponseWriter, r *http.Request) {
	in, err := s.readImage(r, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	data, err := exifdata.Extract(in.Data)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	writeJSON(w, http.StatusOK, data)
}

func (s *Server) detectLabels(w http.ResponseWriter, r *http.Request) {
	if s.labels == nil {
		s.writeError(w, errUnavailable)
		return
	}
	in, err := s.readImage(r, true)
	if err != nil {
		s.writeError(w, err)
		return
	}
	img, format, err := imaging.Decode(in.Data)
	if err != nil {
		s.writeError(w, fmt.Errorf("%w: %v", errBadRequest, err))
		return
	}
	data := in.Data
	if format != "jpeg" && format != "png" {
		if data, err = imaging.EncodePNG(img); err != nil {
			s.writeError(w, err)
			return
		}
	}
	labels, err := s.labels.Detect(r.Context(), data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"labels": labels})
}

func (s *Server) detectGenerated(w http.ResponseWriter, r *http.Request) {
	if s.generated == nil {
		s.writeError(w, errUnavailable)
		return
	}
	_, img, err := s.readDecodedImage(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	verdict, err := s.generated.Detect(r.Context(), img)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, verdict)
}

// geocode resolves the address query parameter to coordinates.
func (s *Server) geocode(w http.ResponseWriter, r *http.Request) {
	if s.geocoder == nil {
		s.writeError(w, errUnavailable)
		return
	}
	address := strings.TrimSpace(r.URL.Query().Get("address"))
	if address == "" {
		s.writeError(w, fmt.Errorf("%w: address is required", errBadRequest))
		return
	}
	lat, lon, err := s.geocoder.Coordinates(r.Context(), address)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": address, "latitude": lat, "longitude": lon})
}

func (s *Server) reverseGeocode(w http.ResponseWriter, r *http.Request) {
	if s.geocoder == nil {
		s.writeError(w, errUnavailable)
		return
	}
	lat, err := coordinate(r, "lat")
	if err != nil {
		s.writeError(w, err)
		return
	}
	lon, err := coordinate(r, "lon")
	if err != nil {
		s.writeError(w, err)
		return
	}
	address, err := s.geocoder.Address(r.Context(), lat, lon)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"address": address, "latitude": lat, "longitude": lon})
}

func (s *Server) readClaim(r *http.Request) (models.ClaimContext, error) {
	in, err := s.readImage(r, false)
	if err != nil {
		return models.ClaimContext{}, err
	}
	threshold, err := s.threshold(r)
	if err != nil {
		return models.ClaimContext{}, err
	}
	claim := models.ClaimContext{
		ClaimReport:         r.FormValue("claim_report"),
		ClaimType:           r.FormValue("claim_type"),
		SimilarityThreshold: &threshold,
	}
	if in != nil {
		claim.Image = in.Data
		claim.ImageKey = in.Key
		claim.Filename = in.Filename
	}
	if claim.ClaimReport == "" && len(claim.Image) == 0 {
		return models.ClaimContext{}, fmt.Errorf("%w: claim_report or an image is required", errBadRequest)
	}
	return claim, nil
}

func (s *Server) predict(w http.ResponseWriter, r *http.Request) {
	if s.deducer == nil {
		s.writeError(w, errUnavailable)
		return
	}
	claim, err := s.readClaim(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	res, err := s.deducer.Deduce(r.Context(), claim)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// submitClaim stores an uploaded claim image and queues the deduction.
func (s *Server) submitClaim(w http.ResponseWriter, r *http.Request) {
	claim, err := s.readClaim(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(claim.Image) > 0 && claim.ImageKey == "" {
		if s.objects == nil {
			s.writeError(w, errUnavailable)
			return
		}
		claim.ImageKey = storage.UploadKey(claim.Filename)
		if err := s.objects.Put(r.Context(), claim.ImageKey, claim.Image, "application/octet-stream"); err != nil {
			s.writeError(w, err)
			return
		}
	}
	s.enqueue(w, r, worker.TaskTypeDeduction, worker.ClaimTaskData(claim))
}

func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, taskType string, data map[string]any) {
	if s.queue == nil {
		s.writeError(w, errUnavailable)
		return
	}
	id, err := s.queue.Enqueue(r.Context(), queue.ClaimProcessingQueue, taskType, data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id, "status": queue.StatusQueued})
}

func (s *Server) taskStatus(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		s.writeError(w, errUnavailable)
		return
	}
	id := mux.Vars(r)["id"]
	status, err := s.queue.GetTaskStatus(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if status == queue.StatusUnknown {
		s.writeError(w, fmt.Errorf("%w: task %s", errNotFound, id))
		return
	}
	out := map[string]any{"task_id": id, "status": status}
	if status == queue.StatusCompleted || status == queue.StatusFailed {
		result, err := s.queue.GetTaskResult(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out["result"] = result
	}
	writeJSON(w, http.StatusOK, out)
}
