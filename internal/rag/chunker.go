package rag

// Chunk 是知识库文档切分出的一个片段。
type Chunk struct {
	Text string
	// SourceDoc 是片段所属文档在知识库中的序号。
	SourceDoc int
	// Offset 是片段起点在文档中的字符偏移。
	Offset int
}

// Chunker 按固定字符窗口切分文本，相邻片段之间保留 overlap 个字符的重叠。
type Chunker struct {
	chunkSize int
	overlap   int
}

const (
	defaultChunkSize = 500
	defaultOverlap   = 50
)

// NewChunker 创建切分器。overlap 不合法（负数或不小于 chunkSize）时
// 回退到默认值。
func NewChunker(chunkSize, overlap int) *Chunker {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if overlap < 0 || overlap >= chunkSize {
		overlap = defaultOverlap
		if overlap >= chunkSize {
			overlap = chunkSize / 10
		}
	}
	return &Chunker{chunkSize: chunkSize, overlap: overlap}
}

// Split 切分一段文本。片段 i 的起点位于 i*(chunkSize-overlap)，
// 按字符（而非字节）计数，空文本返回空切片。
func (c *Chunker) Split(text string, sourceDoc int) []Chunk {
	if text == "" {
		return nil
	}

	runes := []rune(text)
	step := c.chunkSize - c.overlap

	var chunks []Chunk
	for start := 0; start < len(runes); start += step {
		end := start + c.chunkSize
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, Chunk{
			Text:      string(runes[start:end]),
			SourceDoc: sourceDoc,
			Offset:    start,
		})
	}
	return chunks
}
