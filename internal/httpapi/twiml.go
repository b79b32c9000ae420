package httpapi

import (
	"encoding/xml"
	"net/http"
)

// streamResponse is the TwiML document connecting a call to a media stream.
type streamResponse struct {
	XMLName xml.Name       `xml:"Response"`
	Connect connectElement `xml:"Connect"`
}

type connectElement struct {
	Stream streamElement `xml:"Stream"`
}

type streamElement struct {
	URL string `xml:"url,attr"`
}

func streamTwiML(host string) ([]byte, error) {
	body, err := xml.Marshal(streamResponse{
		Connect: connectElement{Stream: streamElement{URL: "wss://" + host + "/media-stream"}},
	})
	if err != nil {
		return nil, err
	}
	return append([]byte(xml.Header), body...), nil
}

// handleIncomingCall answers Twilio's voice webhook for any method, pointing
// the call at this host's media stream endpoint.
func (s *Server) handleIncomingCall(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("incoming call", "host", r.Host, "method", r.Method)
	body, err := streamTwiML(r.Host)
	if err != nil {
		s.logger.Error("render twiml failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}
