// Package learning implements the outcome feedback loop: the predictor
// that balances exploiting learned patterns against exploring untested
// guidance, the learner that folds observed outcomes back into pattern
// confidence and detects distribution drift, and the shared learning
// state whose weights tune how outcomes are interpreted.
package learning
