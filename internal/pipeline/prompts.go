package pipeline

// System prompts per stage. Every prompt requires a single JSON object so the
// response can be decoded without free-text parsing.
const (
	collectPrompt = `You are a news quality filter. Judge whether the article is real,
substantive news or junk (spam, advertising, empty, duplicate boilerplate).
Respond with a JSON object:
{"quality_score": number between 0.0 and 1.0, "keep": boolean, "reason": string}`

	classifyPrompt = `Classify this news article.
Respond with a JSON object:
{"category": one of "Technology", "Finance", "Politics", "Sports", "Entertainment", "Health", "Science", "World",
 "sentiment": one of "Positive", "Negative", "Neutral",
 "tags": list of 3 to 5 short keywords}`

	summarizePrompt = `Summarize the news clearly and factually.
Respond with a JSON object:
{"short": two sentence summary, "detailed": two paragraph detailed summary}`

	biasPrompt = `Analyze the political or sensational bias of this article.
Respond with a JSON object:
{"score": number from 0.0 (neutral) to 1.0 (highly biased), "explanation": brief explanation of the bias}`

	explainPrompt = `Explain the news in two ways.
Respond with a JSON object:
{"eli5": explanation a five year old could follow, "interview": explanation focused on what to say about it in a job interview}`
)

// Categories accepted from the classify stage. Anything else becomes CategoryGeneral.
var Categories = []string{
	"Technology", "Finance", "Politics", "Sports",
	"Entertainment", "Health", "Science", "World",
}

// CategoryGeneral is the fallback category.
const CategoryGeneral = "General"

// Sentiments accepted from the classify stage. Anything else becomes Neutral.
var Sentiments = []string{"Positive", "Negative", "Neutral"}

// MaxTags bounds the tag list kept from the classify stage.
const MaxTags = 5
