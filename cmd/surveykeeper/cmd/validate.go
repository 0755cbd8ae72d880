package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/solatis/surveykeeper/internal/core/surveyfile"
	"github.com/solatis/surveykeeper/internal/rules"
	"github.com/solatis/surveykeeper/internal/types"
)

var errInvalidResponse = errors.New("response is invalid")

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a response JSON file against a survey YAML file",
	Long: `Validate a response offline. No database or server is needed. Exits
non-zero when the response fails validation.`,
	Args: cobra.NoArgs,
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().String("survey", "", "survey definition YAML file")
	validateCmd.Flags().String("response", "", "response JSON file")
	validateCmd.Flags().Int64("survey-id", 0, "survey to use when the file holds several")
	validateCmd.Flags().String("mode", "fail_fast", "fail_fast or collect_all")
	validateCmd.MarkFlagRequired("survey")
	validateCmd.MarkFlagRequired("response")
}

func runValidate(cmd *cobra.Command, args []string) error {
	surveyPath, _ := cmd.Flags().GetString("survey")
	responsePath, _ := cmd.Flags().GetString("response")
	surveyID, _ := cmd.Flags().GetInt64("survey-id")
	modeName, _ := cmd.Flags().GetString("mode")

	mode, err := rules.ParseMode(modeName)
	if err != nil {
		return err
	}
	survey, err := pickSurvey(surveyPath, types.SurveyID(surveyID))
	if err != nil {
		return err
	}
	snap, err := rules.Compile(survey)
	if err != nil {
		return fmt.Errorf("survey %d: %w", survey.ID, err)
	}
	payload, err := os.ReadFile(responsePath)
	if err != nil {
		return err
	}

	outcome, err := rules.NewValidator(rules.WithMode(mode)).Validate(payload, snap)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if outcome.Valid() {
		fmt.Fprintf(out, "valid: response satisfies survey %d\n", survey.ID)
		return nil
	}
	for _, f := range outcome.Failures {
		fmt.Fprintf(out, "%s\t%s\n", f.Kind, f.Error())
	}
	return fmt.Errorf("%w: %d failure(s)", errInvalidResponse, len(outcome.Failures))
}

func pickSurvey(path string, id types.SurveyID) (*types.Survey, error) {
	surveys, err := surveyfile.Load(path)
	if err != nil {
		return nil, err
	}
	if id == 0 {
		if len(surveys) != 1 {
			return nil, fmt.Errorf("%s holds %d surveys, pick one with --survey-id", path, len(surveys))
		}
		return surveys[0], nil
	}
	for _, s := range surveys {
		if s.ID == id {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%s: survey %d: %w", path, id, types.ErrNotFound)
}
