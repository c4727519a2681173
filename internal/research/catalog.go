package research

// Agent はチーム内の1エージェントの役割です。
type Agent struct {
	Role string `json:"role"`
	Goal string `json:"goal"`
}

// CrewInfo はカテゴリごとのエージェントチーム構成です。
type CrewInfo struct {
	Category    Category `json:"category"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Agents      []Agent  `json:"agents"`
	BestFor     []string `json:"best_for"`
}

// Categories は受け付けるカテゴリの一覧です（表示順）。
var Categories = []Category{
	CategoryGeneral,
	CategoryBusinessAnalysis,
	CategorySEOContent,
	CategoryTechResearch,
	CategoryFinancialAnalysis,
}

var crews = map[Category]CrewInfo{
	CategoryGeneral: {
		Category:    CategoryGeneral,
		Name:        "General research crew",
		Description: "A researcher and a technical writer for general-purpose topics.",
		Agents: []Agent{
			{Role: "Senior researcher", Goal: "Find and analyse current information on the topic"},
			{Role: "Technical writer", Goal: "Turn the findings into a structured, readable report"},
		},
		BestFor: []string{"General research", "Overviews", "Simple topics"},
	},
	CategoryBusinessAnalysis: {
		Category:    CategoryBusinessAnalysis,
		Name:        "Business analysis crew",
		Description: "Experts for in-depth market and business analysis.",
		Agents: []Agent{
			{Role: "Senior market analyst", Goal: "Analyse the market and the competitive landscape"},
			{Role: "Financial analyst", Goal: "Assess financial attractiveness and investment risk"},
			{Role: "Strategy consultant", Goal: "Produce strategic recommendations and an action plan"},
		},
		BestFor: []string{"Market analysis", "Competitive intelligence", "Business strategy"},
	},
	CategorySEOContent: {
		Category:    CategorySEOContent,
		Name:        "SEO and content marketing crew",
		Description: "Search optimisation and content strategy specialists.",
		Agents: []Agent{
			{Role: "SEO expert", Goal: "Run an SEO analysis and define a promotion strategy"},
			{Role: "Content strategist", Goal: "Design a content strategy and production plan"},
			{Role: "Digital marketer", Goal: "Build an end-to-end digital promotion strategy"},
		},
		BestFor: []string{"SEO audits", "Content plans", "Digital strategy"},
	},
	CategoryTechResearch: {
		Category:    CategoryTechResearch,
		Name:        "Technology research crew",
		Description: "Analysis of technologies and architectural options.",
		Agents: []Agent{
			{Role: "Senior technology researcher", Goal: "Research technology trends and available solutions"},
			{Role: "Solutions architect", Goal: "Propose an architecture and implementation guidance"},
			{Role: "DevOps engineer", Goal: "Plan rollout and operations of the solution"},
		},
		BestFor: []string{"Technology trends", "Architecture decisions", "Technical due diligence"},
	},
	CategoryFinancialAnalysis: {
		Category:    CategoryFinancialAnalysis,
		Name:        "Financial analysis crew",
		Description: "Financial modelling and investment experts.",
		Agents: []Agent{
			{Role: "Senior financial analyst", Goal: "Perform a comprehensive financial analysis"},
			{Role: "Risk analyst", Goal: "Assess financial and operational risks"},
			{Role: "Investment advisor", Goal: "Give recommendations on investment decisions"},
		},
		BestFor: []string{"Financial modelling", "Risk analysis", "Investment decisions"},
	},
}

type depthInfo struct {
	instruction   string
	estimatedTime string
}

var depths = map[Depth]depthInfo{
	DepthBasic:         {instruction: "Give a brief analysis of the main aspects", estimatedTime: "2-5 minutes"},
	DepthStandard:      {instruction: "Give a detailed study covering the key factors", estimatedTime: "5-10 minutes"},
	DepthComprehensive: {instruction: "Give an exhaustive analysis with all important details", estimatedTime: "10-15 minutes"},
}

// Crew はカテゴリに対応するチーム構成を返します。未知のカテゴリは general として扱います。
func Crew(c Category) CrewInfo {
	if info, ok := crews[c]; ok {
		return info
	}
	return crews[DefaultCategory]
}

// Crews は全カテゴリのチーム構成を表示順で返します。
func Crews() []CrewInfo {
	out := make([]CrewInfo, 0, len(Categories))
	for _, c := range Categories {
		out = append(out, crews[c])
	}
	return out
}

// EstimatedTime は深さに応じた所要時間の目安です。
func EstimatedTime(d Depth) string {
	if info, ok := depths[d]; ok {
		return info.estimatedTime
	}
	return depths[DefaultDepth].estimatedTime
}

func depthInstruction(d Depth) string {
	if info, ok := depths[d]; ok {
		return info.instruction
	}
	return depths[DefaultDepth].instruction
}

func languageName(l Language) string {
	if l == LanguageEN {
		return "English"
	}
	return "Russian"
}
