package escalation

import (
	"fmt"

	"github.com/kingrea/chainforge/internal/validation"
)

var questions = map[validation.Category]string{
	validation.CategorySyntax:     "The generated artifact keeps failing to parse (%d syntax issue(s)). Can you describe the expected structure or provide a skeleton to start from?",
	validation.CategoryType:       "The artifact keeps failing type checks (%d issue(s)). Which concrete types or interfaces should these values use?",
	validation.CategoryImport:     "The artifact has unresolved imports (%d issue(s)). Which modules and import paths should it depend on?",
	validation.CategorySchema:     "The output does not match the expected schema (%d issue(s)). Can you confirm the required fields and their types?",
	validation.CategoryConvention: "The artifact breaks project conventions (%d issue(s)). Which naming or style rules should it follow?",
	validation.CategoryStructure:  "The artifact is missing required declarations (%d issue(s)). Which exports or entry points must it provide?",
}

const genericQuestion = "Automatic correction did not produce a valid artifact. Can you clarify the requirements for this task?"

// SynthesizeQuestion phrases a clarification question for the dominant
// finding category of report.
func SynthesizeQuestion(report validation.Report) string {
	category := report.DominantCategory()
	format, ok := questions[category]
	if !ok {
		return genericQuestion
	}
	_, groups := report.Grouped()
	return fmt.Sprintf(format, len(groups[category]))
}
