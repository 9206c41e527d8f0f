package transform

// DeepMerge merges src into dst and returns dst. Nested objects merge key by
// key; any other value in src replaces the one in dst. A nil dst is
// allocated. src is never modified, and nested maps from src are copied so
// later merges cannot alias the caller's payload.
func DeepMerge(dst, src map[string]interface{}) map[string]interface{} {
	if dst == nil {
		dst = make(map[string]interface{}, len(src))
	}
	for k, v := range src {
		srcMap, ok := v.(map[string]interface{})
		if !ok {
			dst[k] = v
			continue
		}
		dstMap, ok := dst[k].(map[string]interface{})
		if !ok {
			dstMap = nil
		}
		dst[k] = DeepMerge(dstMap, srcMap)
	}
	return dst
}
