package provider

import "encoding/json"

// Sampling holds the vendor-neutral generation knobs read from a request's
// free-form options. A nil pointer means the caller did not set the knob.
type Sampling struct {
	TopP             *float64
	TopK             *int
	PresencePenalty  *float64
	FrequencyPenalty *float64
	Stop             []string
	User             string
}

// ParseSampling reads the recognised keys from options. Values of the wrong
// type are ignored.
func ParseSampling(options map[string]any) Sampling {
	var s Sampling
	if len(options) == 0 {
		return s
	}
	s.TopP = floatOption(options["top_p"])
	s.PresencePenalty = floatOption(options["presence_penalty"])
	s.FrequencyPenalty = floatOption(options["frequency_penalty"])
	if f := floatOption(options["top_k"]); f != nil {
		k := int(*f)
		s.TopK = &k
	}
	s.Stop = stringsOption(options["stop"])
	if user, ok := options["user"].(string); ok {
		s.User = user
	}
	return s
}

func floatOption(value any) *float64 {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	return &f
}

// stringsOption accepts a single string as a one-element list.
func stringsOption(value any) []string {
	switch v := value.(type) {
	case string:
		return []string{v}
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil
			}
			out = append(out, str)
		}
		return out
	}
	return nil
}
