package ai

import (
	"fmt"
	"regexp"
	"strings"
)

const fence = "```"

const ExtractSystemPrompt = `
# Task Context
You are a Knowledge Graph Specialist responsible for extracting entities and relationships from the input text.

# Detailed Task Description & Rules
1. Entity extraction
  - Identify clearly defined and meaningful entities in the input text.
  - entity_name: the name of the entity. If the name is case-insensitive, capitalize the first letter of each significant word (title case). Use consistent naming across the whole extraction.
  - entity_type: one of the following types: {entity_types}. If none applies, do not invent a new type and classify the entity as Other.
  - entity_description: a concise yet comprehensive description of the entity's attributes and activities based solely on the input text.
  - Output 4 fields per entity on a single line, delimited by {tuple_delimiter}. The first field must be the literal word entity.
  - Format: entity{tuple_delimiter}entity_name{tuple_delimiter}entity_type{tuple_delimiter}entity_description

2. Relationship extraction
  - Identify direct, clearly stated and meaningful relationships between previously extracted entities.
  - Decompose relationships involving more than two entities into binary pairs.
  - source_entity and target_entity: names consistent with the entity extraction.
  - relationship_keywords: one or more high-level keywords summarizing the nature of the relationship, separated by a comma. Never use {tuple_delimiter} inside this field.
  - relationship_description: a concise explanation of the connection between source and target.
  - Output 5 fields per relationship on a single line, delimited by {tuple_delimiter}. The first field must be the literal word relation.
  - Format: relation{tuple_delimiter}source_entity{tuple_delimiter}target_entity{tuple_delimiter}relationship_keywords{tuple_delimiter}relationship_description

3. Delimiter usage
  - {tuple_delimiter} is an atomic marker and must not be filled with content.
  - Incorrect: entity{tuple_delimiter}Tokyo<|location|>Tokyo is the capital of Japan.
  - Correct: entity{tuple_delimiter}Tokyo{tuple_delimiter}location{tuple_delimiter}Tokyo is the capital of Japan.

4. Relationships are undirected. Swapping source and target does not make a new relationship. Do not output duplicates.

5. Output all entities first, then all relationships, the most significant relationships first.

6. Write names and descriptions in the third person and avoid pronouns such as "this article", "our company", "I" or "you".

7. Write the entire output in {language}. Keep proper nouns in their original language and form.

8. Output the literal string {completion_delimiter} only after all entities and relationships have been extracted.

# Examples
{examples}

# Background Data
Entity_types: [{entity_types}]
Text:
` + fence + `
{input_text}
` + fence + `
`

const ExtractUserPrompt = `
# Immediate Task Description or Request
Extract entities and relationships from the input text to be processed.

# Output Formatting
1. Strictly follow the format requirements from the system prompt, including output order, field delimiters and proper noun handling.
2. Output only the list of entities and relationships. No introduction, explanation or closing remark.
3. Output {completion_delimiter} as the final line after all entities and relationships.
4. Write the entire output in {language}. Keep proper nouns in their original language and form.

<Output>
`

const ExtractContinuePrompt = `
# Immediate Task Description or Request
Based on the last extraction, identify and extract any missed or incorrectly formatted entities and relationships from the input text.

# Detailed Task Description & Rules
1. Strictly follow the format requirements from the system prompt.
2. Do NOT repeat entities and relationships that were correctly and fully extracted before.
3. Output missed entities and relationships now.
4. Re-output the corrected and complete version of any record that was truncated, had missing fields or was otherwise malformed.
5. Entities: 4 fields delimited by {tuple_delimiter} on a single line, starting with the literal word entity.
6. Relationships: 5 fields delimited by {tuple_delimiter} on a single line, starting with the literal word relation.
7. Output only the list. No introduction, explanation or closing remark.
8. Output {completion_delimiter} as the final line.
9. Write the entire output in {language}. Keep proper nouns in their original language and form.

<Output>
`

// ExtractExamples are rendered with the active delimiters before being placed
// into ExtractSystemPrompt.
var ExtractExamples = []string{
	`<Input Text>
` + fence + `
At the World Athletics Championship in Tokyo, Noah Carter broke the 100m sprint record using cutting-edge carbon-fiber spikes.
` + fence + `

<Output>
entity{tuple_delimiter}World Athletics Championship{tuple_delimiter}event{tuple_delimiter}The World Athletics Championship is a global sports competition featuring top athletes in track and field.
entity{tuple_delimiter}Tokyo{tuple_delimiter}location{tuple_delimiter}Tokyo is the host city of the World Athletics Championship.
entity{tuple_delimiter}Noah Carter{tuple_delimiter}person{tuple_delimiter}Noah Carter is a sprinter who set a new record in the 100m sprint at the World Athletics Championship.
entity{tuple_delimiter}100m Sprint Record{tuple_delimiter}category{tuple_delimiter}The 100m sprint record is a benchmark in athletics, recently broken by Noah Carter.
entity{tuple_delimiter}Carbon-Fiber Spikes{tuple_delimiter}equipment{tuple_delimiter}Carbon-fiber spikes are advanced sprinting shoes that provide enhanced speed and traction.
relation{tuple_delimiter}World Athletics Championship{tuple_delimiter}Tokyo{tuple_delimiter}event location, international competition{tuple_delimiter}The World Athletics Championship is being hosted in Tokyo.
relation{tuple_delimiter}Noah Carter{tuple_delimiter}100m Sprint Record{tuple_delimiter}athlete achievement, record-breaking{tuple_delimiter}Noah Carter set a new 100m sprint record at the championship.
relation{tuple_delimiter}Noah Carter{tuple_delimiter}Carbon-Fiber Spikes{tuple_delimiter}athletic equipment, performance boost{tuple_delimiter}Noah Carter used carbon-fiber spikes to enhance performance during the race.
relation{tuple_delimiter}Noah Carter{tuple_delimiter}World Athletics Championship{tuple_delimiter}athlete participation, competition{tuple_delimiter}Noah Carter is competing at the World Athletics Championship.
{completion_delimiter}
`,
	`<Input Text>
` + fence + `
Stock markets faced a sharp downturn today as tech giants saw significant declines, with the global tech index dropping by 3.4% in midday trading. Among the hardest hit, nexon technologies saw its stock plummet by 7.8% after reporting lower-than-expected quarterly earnings.
` + fence + `

<Output>
entity{tuple_delimiter}Global Tech Index{tuple_delimiter}category{tuple_delimiter}The Global Tech Index tracks the performance of major technology stocks and experienced a 3.4% decline today.
entity{tuple_delimiter}Nexon Technologies{tuple_delimiter}organization{tuple_delimiter}Nexon Technologies is a tech company that saw its stock decline by 7.8% after disappointing earnings.
entity{tuple_delimiter}Market Selloff{tuple_delimiter}category{tuple_delimiter}Market selloff refers to the significant decline in stock values due to investor concerns.
relation{tuple_delimiter}Global Tech Index{tuple_delimiter}Market Selloff{tuple_delimiter}market performance, investor sentiment{tuple_delimiter}The decline in the Global Tech Index is part of the broader market selloff.
relation{tuple_delimiter}Nexon Technologies{tuple_delimiter}Global Tech Index{tuple_delimiter}company impact, index movement{tuple_delimiter}Nexon Technologies' stock decline contributed to the overall drop in the Global Tech Index.
{completion_delimiter}
`,
}

const SummarizePrompt = `
# Task Context
You are a Knowledge Graph Specialist, proficient in data curation and synthesis.

# Detailed Task Description & Rules
Synthesize a list of descriptions of a given entity or relation into a single, comprehensive and cohesive summary.
1. The description list is provided as JSON, one object per line.
2. Return plain text, possibly in multiple paragraphs, without extra formatting or comments before or after the summary.
3. Integrate all key information from every description. Do not omit important facts.
4. Write from an objective, third-person perspective and mention the full name of the entity or relation at the beginning.
5. If descriptions conflict, first decide whether they describe distinct entities or relations sharing the same name. Summarize distinct ones separately. Reconcile conflicts within one entity or present both viewpoints with noted uncertainty.
6. The summary must not exceed {summary_length} tokens.
7. Write the entire output in {language}. Keep proper nouns in their original language and form.

# Background Data
{description_type} Name: {description_name}

Description List:

` + fence + `
{description_list}
` + fence + `

# Output
`

const ConflictGroupingPrompt = `
# Task Context
You are a Knowledge Graph Specialist reviewing the accumulated descriptions of a single {description_type} named "{description_name}".

# Detailed Task Description & Rules
- Decide whether all descriptions refer to the same real-world referent or whether several distinct referents share this name.
- Only split descriptions that make irreconcilable assertions, e.g. disjoint time periods, locations or categories.
- Every description index must appear in exactly one group.
- Give each group a short label that distinguishes the referent (e.g. "Apple (company)", "Apple (fruit)").
- If all descriptions refer to the same referent, return a single group.

# Background Data
Descriptions (index: text):
{description_list}

# Output Formatting
Return a JSON object with this structure:
{
  "groups": [
    {
      "label": "<referent label>",
      "indices": [0, 1]
    }
  ]
}
`

const KeywordsPrompt = `
# Task Context
You are an expert keyword extractor analyzing user queries for a Retrieval-Augmented Generation system. The keywords are used for document and knowledge graph retrieval.

# Detailed Task Description & Rules
Extract two distinct types of keywords:
1. high_level_keywords: overarching concepts or themes capturing the user's core intent, the subject area or the type of question.
2. low_level_keywords: specific entities or details such as proper nouns, technical jargon, product names or concrete items.

- Your output MUST be a valid JSON object and nothing else. No explanation and no markdown code fences.
- All keywords must be derived from the user query.
- Prefer multi-word phrases when they represent a single concept. From "latest financial report of Apple Inc." extract "latest financial report" and "Apple Inc." rather than "latest", "financial", "report" and "Apple".
- For queries that are too simple, vague or nonsensical (e.g. "hello", "ok", "asdfghjkl") return a JSON object with empty lists for both keyword types.

# Examples
{examples}

# Background Data
User Query: {query}

# Output
Output:`

var KeywordsExamples = []string{
	`Example 1:

Query: "How does international trade influence global economic stability?"

Output:
{
  "high_level_keywords": ["International trade", "Global economic stability", "Economic impact"],
  "low_level_keywords": ["Trade agreements", "Tariffs", "Currency exchange", "Imports", "Exports"]
}
`,
	`Example 2:

Query: "What are the environmental consequences of deforestation on biodiversity?"

Output:
{
  "high_level_keywords": ["Environmental consequences", "Deforestation", "Biodiversity loss"],
  "low_level_keywords": ["Species extinction", "Habitat destruction", "Carbon emissions", "Rainforest", "Ecosystem"]
}
`,
	`Example 3:

Query: "hello"

Output:
{
  "high_level_keywords": [],
  "low_level_keywords": []
}
`,
}

const AnswerPrompt = `
# Task Context
You are a helpful assistant answering a user query about the Knowledge Graph and Document Chunks provided as JSON below.

# Goal
Generate a concise response based on the Knowledge Base, considering the current query and the conversation history if provided. Do not include information not provided by the Knowledge Base.

# Background Data
{context_data}

# Detailed Task Description & Rules
1. Content
  - Strictly adhere to the provided context. Do not invent, assume or include information that is not present in the source data.
  - If the answer cannot be found in the context, state that you do not have enough information to answer.
  - Keep continuity with the conversation history.

2. Formatting and language
  - Use markdown with appropriate section headings.
  - Answer in the same language as the user's question.
  - Target format and length: {response_type}

3. References
  - End the response with a "References" section. Each citation must indicate its origin (KG or DC).
  - Cite at most {citation_limit} sources, counting KG and DC together.
  - Knowledge Graph entity: [KG] <entity_name>
  - Knowledge Graph relationship: [KG] <entity1_name> ~ <entity2_name>
  - Document chunk: [DC] <file_path_or_document_name>

# User Context
- Additional user prompt: {user_prompt}

# Response
`

const NaiveAnswerPrompt = `
# Task Context
You are a helpful assistant answering a user query about the Document Chunks provided as JSON below.

# Goal
Generate a concise response based on the Document Chunks, considering the conversation history and the current query. Do not include information not provided by the Document Chunks.

# Background Data
{content_data}

# Detailed Task Description & Rules
1. Strictly adhere to the provided context. If the answer cannot be found, state that you do not have enough information to answer.
2. Use markdown with appropriate section headings and answer in the language of the user's question.
3. Target format and length: {response_type}
4. End the response with a "References" section citing at most {citation_limit} sources as [DC] <file_path_or_document_name>.

# User Context
- Additional user prompt: {user_prompt}

# Response
Output:`

const FailResponse = "Sorry, I'm not able to provide an answer to that question.[no-context]"

// PromptSet bundles every template the engine renders. It is passed
// explicitly to the components that compose prompts.
type PromptSet struct {
	TupleDelimiter      string
	CompletionDelimiter string
	Language            string
	EntityTypes         []string

	ExtractSystem    string
	ExtractUser      string
	ExtractContinue  string
	ExtractExamples  []string
	Summarize        string
	ConflictGrouping string
	Keywords         string
	KeywordsExamples []string
	Answer           string
	NaiveAnswer      string
	FailResponse     string

	// SystemSettings is sent ahead of the system prompt of every request.
	// The prefills are sent as a trailing assistant turn so the model
	// continues from them. All of them are empty unless configured.
	SystemSettings   string
	ExtractPrefill   string
	SummarizePrefill string
	KeywordsPrefill  string
	AnswerPrefill    string
}

var DefaultEntityTypes = []string{
	"Person", "Creature", "Organization", "Location", "Event", "Concept",
	"Method", "Content", "Data", "Artifact", "NaturalObject",
}

// NewPromptSet returns the default templates bound to the given delimiters.
func NewPromptSet(tupleDelimiter, completionDelimiter string) *PromptSet {
	return &PromptSet{
		TupleDelimiter:      tupleDelimiter,
		CompletionDelimiter: completionDelimiter,
		Language:            "the same language as the input text",
		EntityTypes:         DefaultEntityTypes,

		ExtractSystem:    ExtractSystemPrompt,
		ExtractUser:      ExtractUserPrompt,
		ExtractContinue:  ExtractContinuePrompt,
		ExtractExamples:  ExtractExamples,
		Summarize:        SummarizePrompt,
		ConflictGrouping: ConflictGroupingPrompt,
		Keywords:         KeywordsPrompt,
		KeywordsExamples: KeywordsExamples,
		Answer:           AnswerPrompt,
		NaiveAnswer:      NaiveAnswerPrompt,
		FailResponse:     FailResponse,
	}
}

var placeholderPattern = regexp.MustCompile(`\{([a-z_]+)\}`)

// Render replaces every {name} placeholder with its value from vars.
// Placeholders without a value are left untouched so JSON braces in
// templates survive rendering.
func Render(template string, vars map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(template, func(m string) string {
		if v, ok := vars[m[1:len(m)-1]]; ok {
			return v
		}
		return m
	})
}

func (p *PromptSet) delimiterVars() map[string]string {
	return map[string]string{
		"tuple_delimiter":      p.TupleDelimiter,
		"completion_delimiter": p.CompletionDelimiter,
		"language":             p.Language,
	}
}

func (p *PromptSet) entityTypes(custom []string) string {
	types := p.EntityTypes
	if len(custom) > 0 {
		types = custom
	}
	return strings.Join(types, ", ")
}

// Systems prepends the configured system settings to prompts.
func (p *PromptSet) Systems(prompts ...string) []string {
	if p.SystemSettings == "" {
		return prompts
	}
	return append([]string{p.SystemSettings}, prompts...)
}

// ExtractionPrompts renders the system and user prompt for the first
// extraction round of a passage.
func (p *PromptSet) ExtractionPrompts(inputText string, entityTypes []string) (string, string) {
	vars := p.delimiterVars()

	examples := make([]string, 0, len(p.ExtractExamples))
	for _, e := range p.ExtractExamples {
		examples = append(examples, Render(e, vars))
	}

	vars["entity_types"] = p.entityTypes(entityTypes)
	vars["examples"] = strings.Join(examples, "\n")
	vars["input_text"] = inputText

	return Render(p.ExtractSystem, vars), Render(p.ExtractUser, vars)
}

// ContinuePrompt renders the follow-up prompt sent after a truncated round.
func (p *PromptSet) ContinuePrompt() string {
	return Render(p.ExtractContinue, p.delimiterVars())
}

// SummarizePrompt renders the description summarization prompt. The
// description list is already encoded, one JSON object per line.
func (p *PromptSet) SummarizePrompt(descriptionType, name, descriptionList string, summaryLength int) string {
	vars := p.delimiterVars()
	vars["description_type"] = descriptionType
	vars["description_name"] = name
	vars["description_list"] = descriptionList
	vars["summary_length"] = fmt.Sprintf("%d", summaryLength)
	return Render(p.Summarize, vars)
}

// ConflictPrompt renders the referent grouping prompt.
func (p *PromptSet) ConflictPrompt(descriptionType, name, descriptionList string) string {
	vars := p.delimiterVars()
	vars["description_type"] = descriptionType
	vars["description_name"] = name
	vars["description_list"] = descriptionList
	return Render(p.ConflictGrouping, vars)
}

// KeywordsPrompt renders the keyword extraction prompt for a query.
func (p *PromptSet) KeywordsPrompt(query string) string {
	vars := p.delimiterVars()
	vars["examples"] = strings.Join(p.KeywordsExamples, "\n")
	vars["query"] = query
	return Render(p.Keywords, vars)
}

// AnswerPrompt renders the answer composition prompt. When naive is set the
// document-only variant is used and contextData is placed in {content_data}.
func (p *PromptSet) AnswerPrompt(contextData, responseType, userPrompt string, citationLimit int, naive bool) string {
	vars := p.delimiterVars()
	vars["context_data"] = contextData
	vars["content_data"] = contextData
	vars["response_type"] = responseType
	vars["citation_limit"] = fmt.Sprintf("%d", citationLimit)
	if userPrompt == "" {
		userPrompt = "n/a"
	}
	vars["user_prompt"] = userPrompt

	if naive {
		return Render(p.NaiveAnswer, vars)
	}
	return Render(p.Answer, vars)
}
