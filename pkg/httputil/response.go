package httputil

import (
	"encoding/json"
	"net/http"
)

// ContentTypePubV2 is the media type of the hosted pub repository v2 listing
// document.
const ContentTypePubV2 = "application/vnd.pub.v2+json"

// WriteJSON writes a JSON response with the given status code
func WriteJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WritePubJSON writes a JSON response with the pub v2 media type
func WritePubJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", ContentTypePubV2)
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a 200 response with JSON data
func WriteSuccess(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusOK, data)
}

// WriteCreated writes a 201 response with JSON data
func WriteCreated(w http.ResponseWriter, data interface{}) error {
	return WriteJSON(w, http.StatusCreated, data)
}

// WriteNoContent writes a 204 response
func WriteNoContent(w http.ResponseWriter) {
	w.WriteHeader(http.StatusNoContent)
}

// SuccessMessage is the pub client success envelope {"success":{"message":...}}
type SuccessMessage struct {
	Success Message `json:"success"`
}

// Message carries a human readable message
type Message struct {
	Message string `json:"message"`
}

// WriteSuccessMessage writes the pub success envelope with a message
func WriteSuccessMessage(w http.ResponseWriter, message string) error {
	return WriteJSON(w, http.StatusOK, SuccessMessage{Success: Message{Message: message}})
}
