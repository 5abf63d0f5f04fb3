package config

// Fixed replies and keyword lists used when the config file leaves them empty.
const (
	DefaultIdentity = "I am Terrai, a farming assistant built to help Indian farmers with practical, " +
		"region-specific guidance for every stage of cultivation, combining AI with real-time knowledge."
	DefaultRefusal = "Sorry, I can only help with questions about farming and agriculture. " +
		"Please ask me about crops, soil, pests, irrigation, livestock or related topics."
	DefaultAskFirst = "Please ask a farming question first, then I can suggest related questions."
	DefaultFailure  = "Sorry, I could not get an answer right now. Please try again."
)

var DefaultMetaKeywords = []string{
	"who are you",
	"created",
	"your name",
	"developer",
	"model",
	"about you",
	"who made you",
	"who built you",
}

var DefaultFollowUpKeywords = []string{
	"more questions",
	"other questions",
	"show me more",
	"more like this",
	"related questions",
	"follow up questions",
	"follow-up questions",
}

var DefaultDomainKeywords = []string{
	"farm", "crop", "soil", "seed", "sow", "harvest", "yield", "fertili", "manure", "compost",
	"pest", "insect", "weed", "fungus", "disease", "irrigat", "water", "rain", "monsoon", "drought",
	"rice", "paddy", "wheat", "maize", "corn", "millet", "cotton", "sugarcane", "pulse", "dal",
	"vegetable", "fruit", "tomato", "potato", "onion", "mango", "banana", "orchard", "plant",
	"cattle", "cow", "buffalo", "goat", "poultry", "livestock", "dairy", "fish",
	"tractor", "agri", "kharif", "rabi", "mandi", "msp", "organic", "greenhouse", "nursery", "land",
	"weather", "season", "grow", "cultivat", "nitrogen", "urea", "dap", "npk", "soil ph", "ph value",
}
