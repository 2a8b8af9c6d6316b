// Package knowledge indexes a directory of markdown and text documents and
// provides hybrid search over it.
//
// Invariants:
//   - Indexed chunks remain consistent with file content hashes.
//   - Removing or reindexing a file removes its keyword and vector entries.
//   - Search combines keyword and vector retrieval when an Embedder is set,
//     and degrades to whichever side still works.
//
// Usage:
//
//	kb, _ := knowledge.NewBase(knowledge.Config{Dir: "/data/knowledge", Watch: true})
//	defer kb.Close()
//	_ = kb.Load(ctx, false)
//	docs, _ := kb.Search(ctx, "query", nil)
//	_ = docs
package knowledge
