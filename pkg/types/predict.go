package types

// PredictRequest is the json payload accepted by the inference handler.
type PredictRequest struct {
	Inputs     string         `json:"inputs"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

type Prediction struct {
	GeneratedText string `json:"generated_text"`
}

// PredictResponse is always a list, the handler returns a single element.
type PredictResponse []Prediction

func (r PredictResponse) Text() string {
	if len(r) == 0 {
		return ""
	}
	return r[0].GeneratedText
}
