package db

// Document metadata is namespaced into {source, processing}. Older rows used
// a flat shape; those are migrated on read and only the namespaced shape is
// ever written back. Processing writes must never clobber the source
// namespace, because the origin adapter compares source.ingested_at against
// the origin's modifiedTime to decide whether to re-process a file.

const (
	MetaNamespaceSource     = "source"
	MetaNamespaceProcessing = "processing"
)

// NormalizeDocumentMetadata migrates a legacy flat metadata map into the
// namespaced shape. A map that already carries either namespace is returned
// with both namespaces present; a flat legacy map becomes the source
// namespace wholesale.
func NormalizeDocumentMetadata(meta JSONMap) JSONMap {
	if meta == nil {
		return JSONMap{
			MetaNamespaceSource:     map[string]interface{}{},
			MetaNamespaceProcessing: map[string]interface{}{},
		}
	}

	_, hasSource := meta[MetaNamespaceSource]
	_, hasProcessing := meta[MetaNamespaceProcessing]

	if !hasSource && !hasProcessing && len(meta) > 0 {
		source := make(map[string]interface{}, len(meta))
		for k, v := range meta {
			source[k] = v
		}
		return JSONMap{
			MetaNamespaceSource:     source,
			MetaNamespaceProcessing: map[string]interface{}{},
		}
	}

	normalized := JSONMap{
		MetaNamespaceSource:     namespaceMap(meta, MetaNamespaceSource),
		MetaNamespaceProcessing: namespaceMap(meta, MetaNamespaceProcessing),
	}
	return normalized
}

// MergeDocumentMetadata merges updates into existing metadata without
// overwriting untouched keys. Both inputs are normalized first; updates win
// per key within each namespace.
func MergeDocumentMetadata(existing, updates JSONMap) JSONMap {
	merged := NormalizeDocumentMetadata(existing)
	incoming := NormalizeDocumentMetadata(updates)

	for _, ns := range []string{MetaNamespaceSource, MetaNamespaceProcessing} {
		target := merged[ns].(map[string]interface{})
		for k, v := range incoming[ns].(map[string]interface{}) {
			target[k] = v
		}
	}
	return merged
}

// ProcessingMetadata wraps a processing-namespace update so it can be passed
// to MergeDocumentMetadata without touching the source namespace.
func ProcessingMetadata(fields map[string]interface{}) JSONMap {
	return JSONMap{MetaNamespaceProcessing: fields}
}

// SourceField reads one key from the source namespace, migrating legacy
// shapes transparently. ok is false when the key is absent.
func SourceField(meta JSONMap, key string) (interface{}, bool) {
	normalized := NormalizeDocumentMetadata(meta)
	source := normalized[MetaNamespaceSource].(map[string]interface{})
	v, ok := source[key]
	return v, ok
}

func namespaceMap(meta JSONMap, ns string) map[string]interface{} {
	raw, ok := meta[ns]
	if !ok || raw == nil {
		return map[string]interface{}{}
	}
	if m, ok := raw.(map[string]interface{}); ok {
		copied := make(map[string]interface{}, len(m))
		for k, v := range m {
			copied[k] = v
		}
		return copied
	}
	if m, ok := raw.(JSONMap); ok {
		copied := make(map[string]interface{}, len(m))
		for k, v := range m {
			copied[k] = v
		}
		return copied
	}
	return map[string]interface{}{}
}
